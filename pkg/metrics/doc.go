/*
Package metrics defines and registers desipipe's Prometheus metrics: queue
depth by state, scheduling and dispatch latency, cache hit/miss counters,
and a small health-check registry used by the manager's HTTP listener.

Metrics are package-level vars registered at init via
prometheus.MustRegister, and are updated by pkg/scheduler (dispatch/finalize
timing), pkg/manager (a background Collector sampling queue depth every
15s), and pkg/resultcache callers (cache hit/miss counters). Handler()
exposes them for scraping; HealthHandler/ReadyHandler/LivenessHandler back
a manager's /health, /ready, and /live endpoints, served alongside /metrics
whenever manager.Config.HTTPAddr is set (see `desipipe spawn --metrics-addr`)
— leaving it empty skips the listener entirely, so a manager can run with
no open port at all.
*/
package metrics
