// Package eventlog implements the persistent per-project event log (§3),
// its status lifecycle (§4.2), and the pure decision logic shared by every
// component that mutates an event's status.
package eventlog

import "time"

// Status is one of the states an event can be in (§4.2).
type Status string

const (
	StatusNew                                   Status = "NEW"
	StatusGeneratingTriples                      Status = "GENERATING_TRIPLES"
	StatusGenerationRecoverableFailure           Status = "GENERATION_RECOVERABLE_FAILURE"
	StatusGenerationNonRecoverableFailure        Status = "GENERATION_NON_RECOVERABLE_FAILURE"
	StatusTriplesGenerated                       Status = "TRIPLES_GENERATED"
	StatusTransformingTriples                    Status = "TRANSFORMING_TRIPLES"
	StatusTransformationRecoverableFailure       Status = "TRANSFORMATION_RECOVERABLE_FAILURE"
	StatusTransformationNonRecoverableFailure    Status = "TRANSFORMATION_NON_RECOVERABLE_FAILURE"
	StatusTriplesStore                          Status = "TRIPLES_STORE"
	StatusSkipped                                Status = "SKIPPED"
	StatusAwaitingDeletion                       Status = "AWAITING_DELETION"
	StatusDeleting                               Status = "DELETING"
)

// ProcessingStatuses are statuses that mean "a subscriber currently holds
// this event" (§4.2).
var ProcessingStatuses = map[Status]bool{
	StatusGeneratingTriples:   true,
	StatusTransformingTriples: true,
	StatusDeleting:            true,
}

// TerminalStatuses are statuses from which no further transition occurs.
var TerminalStatuses = map[Status]bool{
	StatusTriplesStore:                       true,
	StatusSkipped:                             true,
	StatusGenerationNonRecoverableFailure:     true,
	StatusTransformationNonRecoverableFailure: true,
}

// PayloadStatuses are statuses that must carry a non-nil payload (§3).
var PayloadStatuses = map[Status]bool{
	StatusTriplesGenerated:                 true,
	StatusTransformingTriples:              true,
	StatusTransformationRecoverableFailure: true,
	StatusTriplesStore:                     true,
}

// FailureStatuses are statuses that must carry a non-empty message (§3),
// in addition to the zombie-chasing message set by the reaper.
var FailureStatuses = map[Status]bool{
	StatusGenerationRecoverableFailure:        true,
	StatusGenerationNonRecoverableFailure:     true,
	StatusTransformationRecoverableFailure:    true,
	StatusTransformationNonRecoverableFailure: true,
}

// ZombieMessage is the sentinel message the zombie reaper sets (§4.4).
const ZombieMessage = "ZOMBIE_CHASING_EVENT"

// Category names a subscriber pool and payload shape (GLOSSARY).
type Category string

const (
	CategoryAwaitingGeneration Category = "AWAITING_GENERATION"
	CategoryTriplesGenerated   Category = "TRIPLES_GENERATED"
	CategoryCommitSync         Category = "COMMIT_SYNC"
	CategoryGlobalCommitSync   Category = "GLOBAL_COMMIT_SYNC"
	CategoryMemberSync         Category = "MEMBER_SYNC"
	CategoryCleanUp            Category = "CLEAN_UP"
	CategoryTSMigrationRequest Category = "TS_MIGRATION_REQUEST"
)

// maxFutureSkew is the 24-hour-in-the-future clamp on event_date (§9,
// open question: unclear whether this defends against Forge clock skew
// or is a historical bug — preserved as specified, not removed).
const maxFutureSkew = 24 * time.Hour

// ClampEventDate returns eventDate clamped to at most 24 hours in the
// future of now. See the open-question note above; this behavior is kept
// verbatim rather than "fixed" away.
func ClampEventDate(eventDate, now time.Time) time.Time {
	// Open question: it is unverified whether this clamp guards against
	// Forge clock skew or is a historical bug; it is kept as is.
	limit := now.Add(maxFutureSkew)
	if eventDate.After(limit) {
		return limit
	}
	return eventDate
}

// Event is a uniquely identified unit of work flowing through the pipeline.
type Event struct {
	EventID         string
	ProjectID       int64
	ProjectSlug     string
	Category        Category
	Status          Status
	EventDate       time.Time
	CreatedDate     time.Time
	ExecutionDate   time.Time
	BatchDate       time.Time
	Message         string
	Payload         []byte
	ProcessingTimes []ProcessingTime
}

// ProcessingTime records how long one successful phase took.
type ProcessingTime struct {
	Status   Status
	Duration time.Duration
	At       time.Time
}

// Project is the lazily-created project row keyed by the immutable slug.
type Project struct {
	ProjectID   int64
	ProjectSlug string
}

// UpsertOutcome is the result of UpsertEvent (§4.1).
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "CREATED"
	UpsertExisted UpsertOutcome = "EXISTED"
	UpsertSkipped UpsertOutcome = "SKIPPED"
)

// resettableOnUpsert are the statuses upsertEvent resets to NEW when the
// event already exists (§4.1).
var resettableOnUpsert = map[Status]bool{
	StatusSkipped:                       true,
	StatusNew:                           true,
	StatusGenerationRecoverableFailure:  true,
}

// ShouldResetToNewOnUpsert reports whether an existing event in the given
// status should be reset to NEW by upsertEvent.
func ShouldResetToNewOnUpsert(current Status) bool {
	return resettableOnUpsert[current]
}
