/*
Package log provides structured logging for the task-execution engine using
zerolog.

Init must be called once, early in main, with a Config describing level,
format (JSON or console), and output writer. Every long-lived component
(queue store, scheduler, manager, provider) then acquires its own scoped
logger via WithComponent or, for the per-queue store and scheduler,
WithQueue, rather than writing through the global Logger directly.
*/
package log
