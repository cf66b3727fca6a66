package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"meli-leader-bot/utils"
)

// JSONStore keeps the leader mapping in a single JSON object on disk.
// Writes go to a temp file in the same directory which is then renamed over
// the target, so readers see either the old or the new mapping.
type JSONStore struct {
	path   string
	mu     sync.Mutex
	logger *utils.Logger
}

// NewJSONStore creates the parent directory if needed. The file itself is
// created on the first write.
func NewJSONStore(path string, logger *utils.Logger) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("json store: create dir: %w", err)
	}
	return &JSONStore{path: path, logger: logger}, nil
}

func (s *JSONStore) LoadAll(_ context.Context) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *JSONStore) Previous(ctx context.Context, productID string) (string, bool) {
	id, ok := s.LoadAll(ctx)[productID]
	return id, ok
}

func (s *JSONStore) RecordLeader(_ context.Context, productID, leaderID string) error {
	if productID == "" {
		return errors.New("json store: empty product id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.read()
	state[productID] = leaderID
	if err := s.writeAtomic(state); err != nil {
		return fmt.Errorf("json store: %w", err)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }

// read must be called with mu held.
func (s *JSONStore) read() map[string]string {
	state := make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("[store] State file %s not found, starting empty", s.path)
		} else {
			s.logger.Error("[store] Reading state file %s: %v, starting empty", s.path, err)
		}
		return state
	}

	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Error("[store] State file %s is corrupt: %v, starting empty", s.path, err)
		return make(map[string]string)
	}
	if state == nil {
		// The file held a JSON null.
		state = make(map[string]string)
	}
	return state
}

func (s *JSONStore) writeAtomic(state map[string]string) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// syncDir flushes dir so a completed rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
