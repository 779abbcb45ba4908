/*
Package types defines the data model shared by every other package in the
task-execution engine: task records, their lifecycle state machine, and
queue metadata.

# Task lifecycle

	WAITING -> PENDING -> RUNNING -> {SUCCEEDED, FAILED, KILLED}
	RUNNING -> UNKNOWN   (liveness lost; a retry moves it back to PENDING)

A record leaves WAITING only when every dependency in DepIDs is SUCCEEDED.
ResultRef is set if and only if State is SUCCEEDED.

# Integration points

  - pkg/queuestore persists TaskRecord and enforces the CAS transitions above.
  - pkg/resultcache stores the payload ResultRef points at.
  - pkg/fingerprint computes TaskRecord.Fingerprint.
  - pkg/scheduler and pkg/manager drive records through RUNNING to a
    terminal state.
*/
package types
