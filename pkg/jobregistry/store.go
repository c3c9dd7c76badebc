package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the durable home of job records.
//
// Implementations must be safe for concurrent use. Finish is the only terminal
// write and must reject a second call for the same job with ErrAlreadyFinished.
type Store interface {
	Add(ctx context.Context, job *Job) error
	SetCancelledBy(ctx context.Context, id, user string) error
	Finish(ctx context.Context, id string, t Termination) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	CancelUnfinished(ctx context.Context, now time.Time) (int, error)
	Delete(ctx context.Context, id string) error
}

// FileStore persists jobs as JSON documents in an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//
// Writes go through a temp file and rename so readers never observe a torn
// record.
type FileStore struct {
	root string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) RootDir() string {
	return s.root
}

func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *FileStore) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *FileStore) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job store root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

func (s *FileStore) Add(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.JobPath(job.ID)); err == nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return s.write(job)
}

func (s *FileStore) SetCancelledBy(ctx context.Context, id, user string) error {
	return s.update(ctx, id, func(j *Job) error {
		j.CancelledBy = &user
		return nil
	})
}

func (s *FileStore) Finish(ctx context.Context, id string, t Termination) error {
	return s.update(ctx, id, func(j *Job) error {
		if j.Finished() {
			return ErrAlreadyFinished
		}
		t.apply(j)
		return nil
	})
}

func (s *FileStore) Get(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

func (s *FileStore) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(filter)
}

// CancelUnfinished marks every job without a terminal write as cancelled and
// stopped at now. It returns the number of jobs touched.
func (s *FileStore) CancelUnfinished(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.list(ListFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range jobs {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		Termination{StoppedAt: now, Cancelled: true}.apply(&jobs[i])
		if err := s.write(&jobs[i]); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.read(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.JobDir(id)); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

func (s *FileStore) update(ctx context.Context, id string, mutate func(*Job) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.read(id)
	if err != nil {
		return err
	}
	if err := mutate(job); err != nil {
		return err
	}
	return s.write(job)
}

func (s *FileStore) write(job *Job) error {
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	record := job.Clone()
	record.Progress = nil
	record.Stage = nil
	record.Revision = 0

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}

	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

func (s *FileStore) read(jobID string) (*Job, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var job Job
	if err := json.Unmarshal([]byte(trimmed), &job); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &job, nil
}

func (s *FileStore) list(filter ListFilter) ([]Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]Job, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		if !filter.match(j) {
			continue
		}
		out = append(out, *j)
	}

	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
