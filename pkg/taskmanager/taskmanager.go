// Package taskmanager implements the Task Manager front-end (spec.md
// §4.9): the user-facing binding that wraps a callable or a bash argv,
// captures its call-site arguments, enqueues a record into the queue
// store, and hands back a Future.
//
// Per DESIGN NOTES' "decorator-based task declaration" guidance, an App is
// a builder value returned by PythonApp/BashApp rather than a
// runtime-rewritten function — callers invoke App.Call explicitly, and
// PythonApp captures the callable's source text by reading its own
// declaring file rather than rewriting it.
package taskmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/desipipe/pkg/events"
	"github.com/cuemby/desipipe/pkg/fingerprint"
	"github.com/cuemby/desipipe/pkg/future"
	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/metrics"
	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/resolver"
	"github.com/cuemby/desipipe/pkg/resultcache"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures one Manager against an already-open queue and result
// cache — typically the same Store/Cache a pkg/manager.Manager holds, so
// enqueuing and draining share one set of file handles rather than
// racing to open the queue's bbolt file twice.
type Config struct {
	Queue string
	Store *queuestore.Store
	Cache *resultcache.Cache

	// AutoSpawn, when true, launches a detached "desipipe spawn" process
	// the first time this Manager enqueues a task (spec.md §4.8: "a queue
	// declared with spawn=True auto-launches one manager in the
	// background when the first task is enqueued").
	AutoSpawn  bool
	SelfBinary string
	BaseDir    string

	// Broker, when set, receives a task.enqueued event for every Call —
	// typically the same *events.Broker a pkg/manager.Manager draining
	// this queue already publishes task.dispatched/succeeded/failed to,
	// so a single subscriber sees a queue's whole lifecycle.
	Broker *events.Broker
}

// Manager is the Task Manager front-end. Declared Apps enqueue through
// it; Clone returns a sibling bound to the same queue with different
// defaults.
type Manager struct {
	queue string
	store *queuestore.Store
	cache *resultcache.Cache

	autoSpawn  bool
	selfBinary string
	baseDir    string
	broker     *events.Broker

	spawnOnce sync.Once
	logger    zerolog.Logger
}

// New returns a Manager bound to cfg.Queue.
func New(cfg Config) *Manager {
	bin := cfg.SelfBinary
	if bin == "" {
		if exe, err := os.Executable(); err == nil {
			bin = exe
		}
	}
	return &Manager{
		queue:      cfg.Queue,
		store:      cfg.Store,
		cache:      cfg.Cache,
		autoSpawn:  cfg.AutoSpawn,
		selfBinary: bin,
		baseDir:    cfg.BaseDir,
		broker:     cfg.Broker,
		logger:     log.WithComponent("taskmanager").With().Str("queue", cfg.Queue).Logger(),
	}
}

// Option configures a cloned Manager.
type Option func(*options)

type options struct {
	autoSpawn  bool
	selfBinary string
}

// WithAutoSpawn overrides whether the cloned Manager launches a detached
// manager process on its first enqueue.
func WithAutoSpawn(enabled bool) Option {
	return func(o *options) { o.autoSpawn = enabled }
}

// Clone returns a sibling Manager for the same queue. Since the store's
// singleton lock (pkg/manager) forbids two manager loops draining one
// queue concurrently, siblings are for sequential use. The only option a
// clone can override is auto-spawn (WithAutoSpawn); the worker pool size
// is not configurable here, and an auto-spawned manager runs with
// `desipipe spawn`'s default --max-workers.
func (m *Manager) Clone(opts ...Option) *Manager {
	co := options{autoSpawn: m.autoSpawn, selfBinary: m.selfBinary}
	for _, o := range opts {
		o(&co)
	}
	return &Manager{
		queue:      m.queue,
		store:      m.store,
		cache:      m.cache,
		autoSpawn:  co.autoSpawn,
		selfBinary: co.selfBinary,
		baseDir:    m.baseDir,
		broker:     m.broker,
		logger:     m.logger,
	}
}

// appOptions captures the aliasing controls from spec.md §4.2.
type appOptions struct {
	skip  bool
	named bool
	name  string
}

// AppOption configures aliasing for one declared App.
type AppOption func(*appOptions)

// Skip marks every call through this App as a no-op: the call returns a
// nil Future and the task never enters the queue.
func Skip() AppOption {
	return func(o *appOptions) { o.skip = true }
}

// Named aliases the App's fingerprint identity to its app name (or, if
// alias is given, to that alias) instead of its code blob — calls that
// share a name and arguments are treated as identical regardless of any
// code change (spec.md §4.2).
func Named(alias ...string) AppOption {
	return func(o *appOptions) {
		o.named = true
		if len(alias) > 0 {
			o.name = alias[0]
		}
	}
}

// App is a declared unit of work: a registered PYTHON_APP callable or a
// named BASH_APP command template.
type App struct {
	mgr  *Manager
	name string
	kind types.TaskKind
	code []byte
	opts appOptions
}

// Name returns the app_name this App enqueues records under.
func (a *App) Name() string { return a.name }

// PythonApp registers fn under its runtime-qualified name and returns an
// App that enqueues a PYTHON_APP record on Call. fn's source is captured
// verbatim (comments and whitespace included) for fingerprinting, and fn
// itself is registered in the process-wide handler table so a worker
// binary built with the same declarations linked in can execute it by
// name (see pkg/taskmanager.Lookup, cmd/desipipe-worker).
func (m *Manager) PythonApp(fn Handler, opts ...AppOption) (*App, error) {
	name := funcName(fn)
	code, err := captureSource(fn)
	if err != nil {
		return nil, &types.EnqueueError{Reason: "capture callable source", Err: err}
	}
	RegisterHandler(name, fn)

	app := &App{mgr: m, name: name, kind: types.PythonApp, code: code}
	for _, o := range opts {
		o(&app.opts)
	}
	return app, nil
}

// BashApp declares a BASH_APP identified by name. Call's positional args
// become the argv the worker executes; stdout is captured verbatim.
func (m *Manager) BashApp(name string, opts ...AppOption) *App {
	app := &App{mgr: m, name: name, kind: types.BashApp, code: []byte("bash_app:" + name)}
	for _, o := range opts {
		o(&app.opts)
	}
	return app
}

// Call enqueues one invocation of a, lifting any pkg/future.Future found
// in args or kwargs into a dependency edge, and returns a Future for the
// new record. A Skip'd App always returns (nil, nil).
func (a *App) Call(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (*future.Future, error) {
	return a.mgr.enqueue(ctx, a, args, kwargs)
}

func (m *Manager) enqueue(ctx context.Context, app *App, args []interface{}, kwargs map[string]interface{}) (*future.Future, error) {
	if app.opts.skip {
		return nil, nil
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	argsNode, argDeps, err := resolver.Lift(args)
	if err != nil {
		return nil, &types.EnqueueError{Reason: "lift positional arguments", Err: err}
	}
	kwargsNode, kwargDeps, err := resolver.Lift(kwargs)
	if err != nil {
		return nil, &types.EnqueueError{Reason: "lift keyword arguments", Err: err}
	}
	depIDs := dedupeInts(append(argDeps, kwargDeps...))

	if err := resolver.DetectCycle(depIDs, func(id int64) ([]int64, error) {
		rec, err := m.store.Get(ctx, m.queue, id)
		if err != nil {
			return nil, err
		}
		return rec.DepIDs, nil
	}); err != nil {
		return nil, &types.EnqueueError{Reason: "cyclic dependency", Err: err}
	}

	depStates := make(map[int64]types.TaskState, len(depIDs))
	depFingerprints := make([]string, len(depIDs))
	for i, id := range depIDs {
		rec, err := m.store.Get(ctx, m.queue, id)
		if err != nil {
			return nil, &types.EnqueueError{Reason: fmt.Sprintf("unknown dependency %d", id), Err: err}
		}
		depStates[id] = rec.State
		depFingerprints[i] = rec.Fingerprint
	}

	argsBlob, err := resolver.Marshal(argsNode)
	if err != nil {
		return nil, &types.EnqueueError{Reason: "serialize arguments", Err: err}
	}
	kwargsBlob, err := resolver.Marshal(kwargsNode)
	if err != nil {
		return nil, &types.EnqueueError{Reason: "serialize keyword arguments", Err: err}
	}

	identity := fingerprint.Identity{CodeBlob: app.code}
	if app.opts.named {
		name := app.opts.name
		if name == "" {
			name = app.name
		}
		identity = fingerprint.Identity{Named: true, Name: name}
	}
	fpByID := make(map[int64]interface{}, len(depIDs))
	for i, id := range depIDs {
		fpByID[id] = depFingerprints[i]
	}
	var fpBlobs [2][]byte
	for i, node := range []resolver.ArgNode{argsNode, kwargsNode} {
		v, err := resolver.Substitute(node, fpByID)
		if err == nil {
			fpBlobs[i], err = json.Marshal(v)
		}
		if err != nil {
			return nil, &types.EnqueueError{Reason: "fingerprint arguments", Err: err}
		}
	}
	fp := fingerprint.Compute(identity, fpBlobs[0], fpBlobs[1], depFingerprints)

	rec := &types.TaskRecord{
		AppName:     app.name,
		Kind:        app.kind,
		CodeBlob:    app.code,
		ArgsBlob:    argsBlob,
		KwargsBlob:  kwargsBlob,
		DepIDs:      depIDs,
		Fingerprint: fp,
	}

	switch {
	case m.cache.Has(fp):
		metrics.CacheHitsTotal.Inc()
		rec.State = types.Succeeded
		rec.ResultRef = fp
		rec.FinishedAt = time.Now().UTC()
	case types.DepsSatisfied(depIDs, depStates):
		rec.State = types.Pending
	default:
		rec.State = types.Waiting
	}

	id, err := m.store.Append(ctx, rec)
	if err != nil {
		return nil, err
	}

	if m.broker != nil {
		m.broker.Publish(&events.Event{Type: events.EventTaskEnqueued, Queue: m.queue, TaskID: id})
	}

	m.maybeAutoSpawn()

	return future.New(m.store, m.cache, m.queue, id, fp), nil
}

// maybeAutoSpawn launches a detached "desipipe spawn" process the first
// time this Manager enqueues into its queue, per spec.md §4.8's
// spawn=True behavior. It is best-effort: a launch failure is logged, not
// returned, since the enqueue itself already succeeded and an operator
// can always run `desipipe spawn` manually.
func (m *Manager) maybeAutoSpawn() {
	if !m.autoSpawn {
		return
	}
	m.spawnOnce.Do(func() {
		if m.selfBinary == "" {
			m.logger.Warn().Msg("auto-spawn requested but no executable path resolved")
			return
		}
		cmd := exec.Command(m.selfBinary, "spawn", "-q", m.queue, "--base-dir", m.baseDir, "--detached")
		if err := cmd.Start(); err != nil {
			m.logger.Warn().Err(err).Msg("auto-spawn failed to launch manager process")
			return
		}
		m.logger.Info().Int("pid", cmd.Process.Pid).Msg("auto-spawned manager process")
		cmd.Process.Release()
	})
}

func dedupeInts(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
