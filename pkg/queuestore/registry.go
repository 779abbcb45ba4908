package queuestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/desipipe/pkg/types"
)

// Registry opens and caches one Store per queue name under a shared
// base_dir, so a single process (the manager, the CLI) can address any
// queue by name without re-opening its database file on every call.
// Satisfies pkg/future.Querier by dispatching Get to the named queue's
// Store.
type Registry struct {
	baseDir  string
	readOnly bool

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry returns a Registry rooted at baseDir. It does not open any
// queue files until one is requested. Stores it opens take bbolt's
// exclusive lock, so this Registry is for callers that may need to
// mutate a queue (the manager loop, the CLI's pause/resume/retry).
func NewRegistry(baseDir string) *Registry {
	return &Registry{baseDir: baseDir, stores: make(map[string]*Store)}
}

// NewReadOnlyRegistry returns a Registry that opens every queue with
// OpenReadOnly instead of Open, so inspection commands (`desipipe
// queues`, `desipipe delete`'s preview) can coexist freely with each
// other. bbolt's shared lock still waits on a live manager's exclusive
// lock, so opening a queue a manager holds fails after the open timeout.
func NewReadOnlyRegistry(baseDir string) *Registry {
	return &Registry{baseDir: baseDir, readOnly: true, stores: make(map[string]*Store)}
}

// Queue returns the (possibly newly opened) Store for name.
func (r *Registry) Queue(name string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[name]; ok {
		return s, nil
	}
	var s *Store
	var err error
	if r.readOnly {
		s, err = OpenReadOnly(r.baseDir, name)
	} else {
		s, err = Open(r.baseDir, name)
	}
	if err != nil {
		return nil, err
	}
	r.stores[name] = s
	return s, nil
}

// Get implements pkg/future.Querier.
func (r *Registry) Get(ctx context.Context, queue string, taskID int64) (*types.TaskRecord, error) {
	s, err := r.Queue(queue)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, queue, taskID)
}

// List returns the names of every queue database file already present
// under base_dir, whether or not this process has opened it yet.
func (r *Registry) List() ([]types.QueueInfo, error) {
	dir := filepath.Join(r.baseDir, ".desipipe", "queues")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queuestore: list queue dir: %w", err)
	}

	var infos []types.QueueInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".db")
		s, err := r.Queue(name)
		if err != nil {
			return nil, err
		}
		state, err := s.QueueState(context.Background())
		if err != nil {
			return nil, err
		}
		infos = append(infos, types.QueueInfo{Name: name, BaseDir: r.baseDir, State: state})
	}
	return infos, nil
}

// CloseAll releases every Store this Registry has opened.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, s := range r.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("queuestore: close %s: %w", name, err)
		}
	}
	r.stores = make(map[string]*Store)
	return firstErr
}
