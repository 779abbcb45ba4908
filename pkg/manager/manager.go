// Package manager implements the Manager Loop ("spawn", spec.md §4.8): the
// long-lived process that owns one Scheduler for one Queue, refuses to run
// alongside another manager on the same queue, and exits once there is
// nothing left for it to do.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/desipipe/pkg/events"
	"github.com/cuemby/desipipe/pkg/log"
	"github.com/cuemby/desipipe/pkg/metrics"
	"github.com/cuemby/desipipe/pkg/provider"
	"github.com/cuemby/desipipe/pkg/queuestore"
	"github.com/cuemby/desipipe/pkg/resultcache"
	"github.com/cuemby/desipipe/pkg/scheduler"
	"github.com/cuemby/desipipe/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pollInterval is how often the loop re-evaluates its exit condition —
// deliberately no tighter than the scheduler's own tick, since checking
// more often than the scheduler can change state just busy-polls bbolt.
const pollInterval = 500 * time.Millisecond

// Config configures one Manager instance.
type Config struct {
	BaseDir    string
	Queue      string
	MaxWorkers int
	Provider   provider.Provider
	WorkDir    string

	// HTTPAddr, if non-empty, serves /metrics, /health, /ready, and /live
	// on this address for the lifetime of Run — the manager's optional
	// HTTP listener (spec.md's observability surface). Left empty, no
	// listener starts at all.
	HTTPAddr string

	// Version is reported by /health and /ready; typically set from an
	// ldflags-injected build version at the CLI entry point.
	Version string
}

// Manager owns one Scheduler for one Queue. Multiple managers for the
// same queue are forbidden (spec.md §5): New's call to queuestore.Open
// IS the singleton lock, since bbolt takes an exclusive flock on the
// database file and returns *types.StoreUnavailable to a second opener
// instead of blocking forever.
type Manager struct {
	id    string
	queue string

	store     *queuestore.Store
	cache     *resultcache.Cache
	sched     *scheduler.Scheduler
	collector *metrics.Collector
	broker    *events.Broker
	httpSrv   *http.Server

	logger zerolog.Logger
}

// New acquires cfg.Queue's store and result cache under cfg.BaseDir and
// builds the Scheduler that will drive them. It returns a
// *types.StoreUnavailable error if another manager already holds the
// queue.
func New(cfg Config) (*Manager, error) {
	store, err := queuestore.Open(cfg.BaseDir, cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("manager: acquire queue %q: %w", cfg.Queue, err)
	}

	cache, err := resultcache.Open(cfg.BaseDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("manager: open result cache: %w", err)
	}

	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	broker := events.NewBroker()
	broker.Start()

	sched := scheduler.New(store, cache, cfg.Provider, maxWorkers, cfg.WorkDir)
	sched.SetBroker(broker)

	metrics.SetVersion(cfg.Version)
	metrics.RegisterComponent("queuestore", true, "queue lock acquired")
	metrics.RegisterComponent("scheduler", true, "built, not yet started")

	m := &Manager{
		id:        uuid.NewString(),
		queue:     cfg.Queue,
		store:     store,
		cache:     cache,
		sched:     sched,
		collector: metrics.NewCollector(store, cfg.Queue),
		broker:    broker,
		logger:    log.WithComponent("manager").With().Str("queue", cfg.Queue).Logger(),
	}
	if cfg.HTTPAddr != "" {
		m.httpSrv = newHealthServer(cfg.HTTPAddr)
	}
	return m, nil
}

// newHealthServer builds (but does not start) the mux backing a
// manager's optional /metrics, /health, /ready, /live listener.
func newHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ID returns this manager process's session token, used only for log
// correlation — it carries no authority over the store's own lock.
func (m *Manager) ID() string { return m.id }

// Events returns the broker that in-process components can subscribe to
// for this manager's lifecycle notifications.
func (m *Manager) Events() *events.Broker { return m.broker }

// Store returns the queue store this manager holds the lock on, letting
// pkg/taskmanager enqueue directly against the same queue a running
// manager is draining.
func (m *Manager) Store() *queuestore.Store { return m.store }

// Cache returns the result cache this manager's scheduler writes into.
func (m *Manager) Cache() *resultcache.Cache { return m.cache }

// Run drives the scheduler until one of spec.md §4.8's three exit
// conditions holds — the queue is empty with nothing in-flight, it is
// paused with nothing in-flight, or ctx is cancelled (the signal case is
// the caller's responsibility: wire ctx to os/signal.NotifyContext) —
// then releases the queue lock.
func (m *Manager) Run(ctx context.Context) error {
	m.sched.Start(ctx)
	m.collector.Start()
	metrics.UpdateComponent("scheduler", true, "running")
	defer m.shutdown()

	if m.httpSrv != nil {
		go func() {
			if err := m.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.logger.Warn().Err(err).Str("addr", m.httpSrv.Addr).Msg("health/metrics listener stopped")
			}
		}()
		m.logger.Info().Str("addr", m.httpSrv.Addr).Msg("serving /metrics, /health, /ready, /live")
	}

	m.logger.Info().Str("manager_id", m.id).Msg("manager loop started")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("manager loop stopping: signaled")
			return nil
		case <-ticker.C:
			exit, err := m.shouldExit(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("exit-condition check failed, continuing")
				continue
			}
			if exit {
				m.logger.Info().Msg("manager loop exiting: queue drained or paused idle")
				return nil
			}
		}
	}
}

// shouldExit implements spec.md §4.8 point 3 literally: a paused queue
// with nothing currently running exits immediately, since WAITING/PENDING
// work left behind can't progress until an operator resumes it and
// relaunches a manager; an active queue must fully drain first.
func (m *Manager) shouldExit(ctx context.Context) (bool, error) {
	state, err := m.store.QueueState(ctx)
	if err != nil {
		return false, err
	}
	if state == types.QueuePaused {
		return m.sched.Running() == 0, nil
	}
	return m.sched.Idle(ctx)
}

func (m *Manager) shutdown() {
	m.sched.Stop()
	m.collector.Stop()
	metrics.UpdateComponent("scheduler", false, "stopped")
	if m.httpSrv != nil {
		if err := m.httpSrv.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("error closing health/metrics listener")
		}
	}
	m.broker.Publish(&events.Event{Type: events.EventManagerExited, Queue: m.queue, Message: m.id})
	m.broker.Stop()
	metrics.UpdateComponent("queuestore", false, "closing")
	if err := m.store.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("error closing queue store")
	}
}
