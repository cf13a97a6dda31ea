package eventlog

import (
	"fmt"
	"time"
)

// SubCategory tags a status-change request with the specific transition
// being requested (§4.7).
type SubCategory string

const (
	SubCategoryToNew                         SubCategory = "ToNew"
	SubCategoryToGeneratingTriples            SubCategory = "ToGeneratingTriples"
	SubCategoryToTriplesGenerated             SubCategory = "ToTriplesGenerated"
	SubCategoryToTransformingTriples          SubCategory = "ToTransformingTriples"
	SubCategoryToTriplesStore                 SubCategory = "ToTriplesStore"
	SubCategoryToGenerationRecoverableFailure SubCategory = "ToGenerationRecoverableFailure"
	SubCategoryToGenerationNonRecoverableFailure SubCategory = "ToGenerationNonRecoverableFailure"
	SubCategoryToTransformationRecoverableFailure SubCategory = "ToTransformationRecoverableFailure"
	SubCategoryToTransformationNonRecoverableFailure SubCategory = "ToTransformationNonRecoverableFailure"
	SubCategoryToAwaitingDeletion              SubCategory = "ToAwaitingDeletion"
	SubCategoryToDeleting                      SubCategory = "ToDeleting"
	SubCategoryToSkipped                       SubCategory = "ToSkipped"
	SubCategoryRollbackToNew                   SubCategory = "RollbackToNew"
	SubCategoryRollbackToTriplesGenerated      SubCategory = "RollbackToTriplesGenerated"
	SubCategoryRedoProjectTransformation        SubCategory = "RedoProjectTransformation"
	SubCategoryProjectEventsToNew               SubCategory = "ProjectEventsToNew"
	SubCategoryProjectDeleted                   SubCategory = "ProjectDeleted"
)

// legalTransitions maps each SubCategory to the set of statuses an event
// must currently be in for the transition to be legal (§4.2 diagram). The
// Event Store's CAS (updateStatus) enforces this as the `fromStatuses` set.
var legalTransitions = map[SubCategory][]Status{
	SubCategoryToGeneratingTriples: {StatusNew, StatusGenerationRecoverableFailure},
	SubCategoryToTriplesGenerated:  {StatusGeneratingTriples},
	SubCategoryToTransformingTriples: {
		StatusTriplesGenerated, StatusTransformationRecoverableFailure,
	},
	SubCategoryToTriplesStore: {StatusTransformingTriples},
	SubCategoryToGenerationRecoverableFailure:    {StatusGeneratingTriples},
	SubCategoryToGenerationNonRecoverableFailure: {StatusNew, StatusGeneratingTriples, StatusGenerationRecoverableFailure},
	SubCategoryToTransformationRecoverableFailure: {StatusTransformingTriples},
	SubCategoryToTransformationNonRecoverableFailure: {
		StatusTriplesGenerated, StatusTransformingTriples, StatusTransformationRecoverableFailure,
	},
	SubCategoryToAwaitingDeletion: {
		StatusNew, StatusGenerationRecoverableFailure, StatusGenerationNonRecoverableFailure,
		StatusTriplesGenerated, StatusTransformationRecoverableFailure,
		StatusTransformationNonRecoverableFailure, StatusTriplesStore, StatusSkipped,
	},
	SubCategoryToDeleting: {StatusAwaitingDeletion},
	SubCategoryToSkipped:  {StatusNew, StatusGenerationRecoverableFailure},
	SubCategoryRollbackToNew: {
		StatusGeneratingTriples,
	},
	SubCategoryRollbackToTriplesGenerated: {
		StatusTransformingTriples,
	},
}

// TargetStatus is the status a subCategory transitions an event to.
var targetStatus = map[SubCategory]Status{
	SubCategoryToNew:                              StatusNew,
	SubCategoryToGeneratingTriples:                StatusGeneratingTriples,
	SubCategoryToTriplesGenerated:                 StatusTriplesGenerated,
	SubCategoryToTransformingTriples:              StatusTransformingTriples,
	SubCategoryToTriplesStore:                     StatusTriplesStore,
	SubCategoryToGenerationRecoverableFailure:     StatusGenerationRecoverableFailure,
	SubCategoryToGenerationNonRecoverableFailure:  StatusGenerationNonRecoverableFailure,
	SubCategoryToTransformationRecoverableFailure: StatusTransformationRecoverableFailure,
	SubCategoryToTransformationNonRecoverableFailure: StatusTransformationNonRecoverableFailure,
	SubCategoryToAwaitingDeletion:                 StatusAwaitingDeletion,
	SubCategoryToDeleting:                         StatusDeleting,
	SubCategoryToSkipped:                          StatusSkipped,
	SubCategoryRollbackToNew:                      StatusNew,
	SubCategoryRollbackToTriplesGenerated:         StatusTriplesGenerated,
}

// FromStatuses returns the set of statuses an event must be in for
// subCategory to be legal. Returns (nil, false) for subCategories handled
// out-of-band (ProjectEventsToNew, RedoProjectTransformation, ProjectDeleted)
// which operate on many events (or the whole project) rather than a single
// CAS.
func FromStatuses(sub SubCategory) ([]Status, bool) {
	statuses, ok := legalTransitions[sub]
	return statuses, ok
}

// TargetStatus returns the status subCategory transitions an event to.
func TargetStatus(sub SubCategory) (Status, error) {
	status, ok := targetStatus[sub]
	if !ok {
		return "", fmt.Errorf("eventlog: no target status for subCategory %q", sub)
	}
	return status, nil
}

// RequiresPayload reports whether status requires a non-nil payload (§3).
func RequiresPayload(status Status) bool { return PayloadStatuses[status] }

// RequiresMessage reports whether status requires a non-empty message (§3).
func RequiresMessage(status Status) bool { return FailureStatuses[status] }

// IsProcessing reports whether status means a subscriber currently holds
// the event.
func IsProcessing(status Status) bool { return ProcessingStatuses[status] }

// IsTerminal reports whether status is a terminal state.
func IsTerminal(status Status) bool { return TerminalStatuses[status] }

// PredecessorOfProcessing returns the status a processing status rolls
// back to on graceful relinquish or zombie recovery (§4.2, §4.4).
func PredecessorOfProcessing(status Status) (Status, error) {
	switch status {
	case StatusGeneratingTriples:
		return StatusNew, nil
	case StatusTransformingTriples:
		return StatusTriplesGenerated, nil
	case StatusDeleting:
		return StatusAwaitingDeletion, nil
	default:
		return "", fmt.Errorf("eventlog: %q is not a processing status", status)
	}
}

// RecoverableFailureDelay returns the execution-delay a recoverable
// failure sets (§4.2). For transformation failures the delay depends on
// whether the failure was silent — §9's open question, resolved
// explicitly via the caller-supplied flag rather than inferred from the
// error type.
func RecoverableFailureDelay(sub SubCategory, silent bool) time.Duration {
	switch sub {
	case SubCategoryToGenerationRecoverableFailure:
		return 5 * time.Minute
	case SubCategoryToTransformationRecoverableFailure:
		if silent {
			return time.Hour
		}
		return 5 * time.Minute
	default:
		return 5 * time.Minute
	}
}
