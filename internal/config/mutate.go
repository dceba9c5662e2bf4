package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	yaml "go.yaml.in/yaml/v3"
)

// Mutate performs a locked read-modify-write of the raw config document.
//
// The file is re-read from disk while holding an exclusive cross-process
// lock, so the decision to write is always based on the current content;
// read-then-unlock-then-write would race with other writers. Writes are
// atomic (temp file + rename). fn returns whether it changed the document.
//
// Only the generic YAML tree is passed to fn so mutations survive keys this
// build does not know about.
func (m *Manager) Mutate(ctx context.Context, fn func(doc map[string]any) (bool, error)) error {
	lockPath := m.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}

	fl := flock.New(lockPath)
	locked, err := fl.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("config lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("config lock: not acquired")
	}
	defer func() { _ = fl.Unlock() }()

	doc := map[string]any{}
	if b, err := os.ReadFile(m.path); err == nil {
		var v any
		if err := yaml.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("config mutate: %w", err)
		}
		if mm, ok := normalizeYAML(v).(map[string]any); ok {
			doc = mm
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	changed, err := fn(doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	// Bring the in-memory view up to date immediately; the fsnotify path
	// would also get there, but callers expect Get() to reflect their write.
	if cfg, err := parseBytes(out); err == nil {
		m.Commit(cfg)
		m.publish(cfg)
	}
	return nil
}
