package eventlog

import (
	"context"
	"time"
)

// UpdateOutcome is the result of an updateStatus CAS (§4.1).
type UpdateOutcome string

const (
	UpdateApplied  UpdateOutcome = "UPDATED"
	UpdateNotFound UpdateOutcome = "NOT_FOUND"
	UpdateConflict UpdateOutcome = "CONFLICT"
)

// Mutations bundles every side effect that may accompany a status change,
// applied in the same transaction as the CAS (§4.1).
type Mutations struct {
	Message            *string // nil = leave unchanged
	Payload            []byte  // nil = leave unchanged, non-nil = set
	ClearPayload       bool
	AppendProcessingTime *ProcessingTime
	DeleteDelivery     bool
	// ExecutionDelaySeconds, if non-zero, sets execution_date := now + delay.
	ExecutionDelaySeconds int
}

// Store is the Event Store contract (C1, §4.1). Implementations must
// satisfy every invariant in §3 and make every write transactional, with
// concurrent updateStatus calls on the same (event_id, project_id)
// serialised via the document-level unique key.
type Store interface {
	// UpsertEvent inserts event if absent. If present and in a resettable
	// status (SKIPPED, NEW, GENERATION_RECOVERABLE_FAILURE) it is reset to
	// NEW; otherwise it is left untouched.
	UpsertEvent(ctx context.Context, event Event) (UpsertOutcome, error)

	// FindEventByStatus returns, for category, every event eligible for
	// pickup: status in the category's eligible set and
	// execution_date <= executionBefore. Selection semantics (candidate
	// projects, prioritisation) live in the producer package; the store
	// only needs to support a SKIP LOCKED-equivalent read.
	FindEventByStatus(ctx context.Context, category Category, statuses []Status, executionBefore time.Time, limit int) ([]Event, error)

	// UpdateStatus performs the CAS described in §4.1: succeeds iff the
	// event's current status is in fromStatuses.
	UpdateStatus(ctx context.Context, eventID string, projectID int64, fromStatuses []Status, toStatus Status, mut Mutations) (UpdateOutcome, error)

	// ToTriplesStore additionally advances every older-or-same-dated event
	// of the same project still in an earlier-stage status to
	// TRIPLES_STORE, atomically, never touching strictly-later events
	// (§4.2 batch promotion rule).
	ToTriplesStore(ctx context.Context, eventID string, projectID int64) (UpdateOutcome, error)

	// ProjectEventsToNew bulk-transitions every non-terminal event of a
	// project to NEW (used after cleanup, §4.2).
	ProjectEventsToNew(ctx context.Context, projectID int64) (int, error)

	// FindProjectEvents enumerates a project's events for inspection and
	// partial-failure recovery.
	FindProjectEvents(ctx context.Context, projectID int64) ([]Event, error)

	// DeleteProject cascade-deletes events, deliveries, and the project row.
	DeleteProject(ctx context.Context, projectID int64) error

	// EnsureProject creates a project row if absent (lazy creation, §3).
	EnsureProject(ctx context.Context, projectID int64, slug string) error
}
