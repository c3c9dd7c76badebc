package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TruncationMarker terminates output whose capture was interrupted before the
// process closed its streams.
const TruncationMarker = "-- Process detached, log truncated. This is likely due to a host restart --"

const (
	lineQueueSize = 128
	maxLineBytes  = 1024 * 1024
)

// outputCapture merges two streams line by line, in arrival order, into a
// file or an in-memory buffer.
type outputCapture struct {
	logger  *zap.Logger
	streams []*os.File

	file   *os.File
	writer *bufio.Writer
	buf    strings.Builder

	lines       chan string
	interrupted atomic.Bool
	done        chan struct{}
	result      string
}

// openCaptureFile prepares the redirect target before the process starts so
// that a bad path fails the launch instead of the capture.
func openCaptureFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return f, nil
}

func startCapture(logger *zap.Logger, file *os.File, streams ...*os.File) *outputCapture {
	c := &outputCapture{
		logger:  logger,
		streams: streams,
		file:    file,
		lines:   make(chan string, lineQueueSize),
		done:    make(chan struct{}),
	}
	if file != nil {
		c.writer = bufio.NewWriter(file)
	}
	go c.run()
	return c
}

func (c *outputCapture) run() {
	defer close(c.done)
	c.logger.Debug("Starting output read")

	var g errgroup.Group
	for _, stream := range c.streams {
		g.Go(func() error {
			c.read(stream)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(c.lines)
	}()

	for line := range c.lines {
		c.write(line)
	}

	if c.interrupted.Load() {
		c.logger.Warn("Output reading interrupted")
		c.write(TruncationMarker)
	} else {
		c.logger.Debug("Finished output read")
	}

	if c.writer != nil {
		if err := c.writer.Flush(); err != nil {
			c.logger.Warn("Flushing process output failed", zap.Error(err))
		}
		if err := c.file.Close(); err != nil {
			c.logger.Warn("Closing process output file failed", zap.Error(err))
		}
	} else {
		c.result = c.buf.String()
	}
	for _, stream := range c.streams {
		_ = stream.Close()
	}
}

func (c *outputCapture) read(stream *os.File) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.lines <- scanner.Text()
	}
	err := scanner.Err()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, os.ErrClosed):
		c.interrupted.Store(true)
	default:
		c.logger.Warn("Reading process output failed", zap.Error(err))
	}
}

func (c *outputCapture) write(line string) {
	if c.writer == nil {
		c.buf.WriteString(line)
		c.buf.WriteByte('\n')
		return
	}
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		c.logger.Warn("Writing process output failed", zap.Error(err))
		return
	}
	// Only flush when nothing else is queued.
	if len(c.lines) == 0 {
		if err := c.writer.Flush(); err != nil {
			c.logger.Warn("Flushing process output failed", zap.Error(err))
		}
	}
}

// interrupt stops reading. Output read so far is kept and the truncation
// marker is appended.
func (c *outputCapture) interrupt() {
	now := time.Now()
	for _, stream := range c.streams {
		if err := stream.SetReadDeadline(now); err != nil {
			// Streams without deadline support unblock on close.
			_ = stream.Close()
		}
	}
}

func (c *outputCapture) wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
