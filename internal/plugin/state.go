package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// StateFile persists the name -> enabled map that makes plugin state
// survive restarts. Writes go through a sidecar lock plus a temp-file
// rename so a crash mid-write never corrupts the file.
type StateFile struct {
	path string

	mu     sync.Mutex
	states map[string]bool
}

// LoadStateFile reads the state file, treating a missing file as empty.
func LoadStateFile(path string) (*StateFile, error) {
	s := &StateFile{path: path, states: map[string]bool{}}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.states); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	return s, nil
}

func (s *StateFile) Path() string { return s.path }

// Enabled reports the persisted flag for a plugin name.
func (s *StateFile) Enabled(name string) (enabled, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, known = s.states[name]
	return
}

// All returns a copy of the persisted map.
func (s *StateFile) All() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Set durably records the flag. The in-memory map is only updated after
// the write lands on disk.
func (s *StateFile) Set(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]bool, len(s.states)+1)
	for k, v := range s.states {
		next[k] = v
	}
	next[name] = enabled

	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.states = next
	return nil
}

func (s *StateFile) write(ctx context.Context, states map[string]bool) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	lk := flock.New(s.path + ".lock")
	locked, err := lk.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock state file: not acquired")
	}
	defer func() { _ = lk.Unlock() }()

	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
