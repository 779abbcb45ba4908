package taskmanager

import "sync"

// Handler is a user-registered PYTHON_APP callable. args/kwargs arrive
// already materialized — every embedded future has been resolved to its
// dependency's actual result by the scheduler before the worker calls
// Lookup and invokes the handler.
type Handler func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

var (
	handlersMu sync.RWMutex
	handlers   = map[string]Handler{}
)

// RegisterHandler makes fn callable by name from any process sharing this
// registry — normally cmd/desipipe-worker, built with the same PYTHON_APP
// declarations linked in, or a self-exec of the declaring binary.
// PythonApp calls this automatically; direct callers only need it when
// building a worker binary that must see handlers without constructing a
// Manager.
func RegisterHandler(name string, fn Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[name] = fn
}

// Lookup returns the registered handler for name, if any.
func Lookup(name string) (Handler, bool) {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	fn, ok := handlers[name]
	return fn, ok
}
