package jobhub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/3leaps/sessiond/pkg/jobregistry"
)

const DefaultChannelPrefix = "sessiond:jobs"

// RedisPublisher publishes snapshots as JSON to <prefix>:<job id> so that
// processes other than the host can follow job progress.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

func NewRedisPublisher(cfg RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherWithClient(client, cfg.ChannelPrefix)
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for jobID.
func (p *RedisPublisher) Channel(jobID string) string {
	return p.prefix + ":" + jobID
}

func (p *RedisPublisher) Broadcast(ctx context.Context, job jobregistry.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job snapshot: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(job.ID), payload).Err(); err != nil {
		return fmt.Errorf("publish job snapshot: %w", err)
	}
	return nil
}

// Ping checks connectivity; used by the health endpoint.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
