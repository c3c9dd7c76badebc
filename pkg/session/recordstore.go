package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoRecord is returned by RecordStore.Load when nothing has been saved.
var ErrNoRecord = errors.New("no reattach record")

// RecordStore keeps the reattach record of one instance in a JSON file.
type RecordStore struct {
	path string
	mu   sync.Mutex
}

func NewRecordStore(path string) *RecordStore {
	return &RecordStore{path: strings.TrimSpace(path)}
}

func (s *RecordStore) Path() string {
	return s.path
}

// Save replaces the stored record. The file is written via temp file and
// rename.
func (s *RecordStore) Save(ctx context.Context, rec *ReattachRecord) error {
	if rec == nil {
		return errors.New("reattach record is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.path == "" {
		return errors.New("reattach record path is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create reattach dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reattach record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write reattach record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close reattach record: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename reattach record: %w", err)
	}
	return nil
}

func (s *RecordStore) Load(ctx context.Context) (*ReattachRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("read reattach record: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return nil, ErrNoRecord
	}

	if err := ValidateRecordJSON(b); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	var rec ReattachRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse reattach record: %w", err)
	}
	return &rec, nil
}

// Clear removes the stored record. Clearing an empty store is not an error.
func (s *RecordStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove reattach record: %w", err)
	}
	return nil
}
