package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/risa-org/gamelink/store/memory"
)

// Store is a file-backed game world. It behaves exactly like memory.Store
// and writes the whole world to a JSON file after every change, so
// inventories, bans and the item catalog survive restarts.
// Not suitable for several processes sharing one file.
type Store struct {
	*memory.Store

	// flushMu serializes writes to path. It is separate from the world
	// lock so readers never wait on disk.
	flushMu sync.Mutex
	path    string
	lastErr error
}

// New creates a file-backed store at the given path.
// If the file exists, the world is loaded from it on startup.
// If it doesn't exist, it will be created on first change.
func New(path string) (*Store, error) {
	s := &Store{path: path}
	s.Store = memory.New(memory.WithOnChange(s.onChange))

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("failed to load world from %s: %w", path, err)
	}
	return s, nil
}

// Save flushes the world to disk and reports any write error, including
// one left over from an earlier background flush.
func (s *Store) Save(ctx context.Context) error {
	if err := s.Store.Save(ctx); err != nil {
		return err
	}
	return s.Flush()
}

// Flush writes the current world to the JSON file.
func (s *Store) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.lastErr = s.flush()
	return s.lastErr
}

// Err returns the error from the most recent flush, if it failed.
func (s *Store) Err() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.lastErr
}

// Path returns the file the world is persisted to.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) onChange() {
	s.Flush()
}

// load reads the world from the JSON file.
// Called once at startup. If the file doesn't exist, returns nil: empty world.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var st memory.State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.Store.Restore(st)
	return nil
}

// flush must be called with flushMu held.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.Store.Snapshot(), "", "  ")
	if err != nil {
		return err
	}

	// write to a temp file then rename so a crash mid-write never
	// leaves a truncated world behind
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
