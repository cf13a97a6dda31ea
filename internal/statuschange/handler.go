// Package statuschange implements the Status Change Handlers (C7): the
// subCategory-tagged DB mutations that subscribers trigger as they move an
// event through generation and transformation (§4.7).
package statuschange

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

// ErrDeadlockDetected is the sentinel for a transaction aborted on a
// serialization conflict (§7 "Storage serialisation failure"). Handle
// retries on this error; any other error is cleared-and-rethrown without
// retry. The Postgres event store in internal/eventlog/postgres never
// returns this sentinel: it wraps driver errors as they are, so a
// serialization failure from it is not retried.
var ErrDeadlockDetected = errors.New("statuschange: deadlock detected")

// maxRetries and baseBackoff bound the exponential backoff on
// ErrDeadlockDetected (§4.7).
const (
	maxRetries  = 5
	baseBackoff = 50 * time.Millisecond
)

// DeliveryStore is the subset of the dispatch registry a rollback or error
// path needs to clear. Kept as its own narrow interface here rather than
// importing the dispatch package, since this handler only ever deletes.
type DeliveryStore interface {
	DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error
}

// Gauges tracks the per-category occupancy counters a rollback must
// decrement (§11 observability; §4.7 "updates the project's status
// gauge counters").
type Gauges interface {
	Dec(category eventlog.Category)
}

// PromGauges adapts a category-keyed map of prometheus.Gauge to Gauges.
type PromGauges map[eventlog.Category]prometheus.Gauge

// Dec implements Gauges.
func (g PromGauges) Dec(category eventlog.Category) {
	if gauge, ok := g[category]; ok {
		gauge.Dec()
	}
}

// Request is a status-change event as reported by a subscriber (§4.7, §6).
type Request struct {
	SubCategory eventlog.SubCategory
	EventID     string
	ProjectID   int64
	Category    eventlog.Category
	Message     string
	Payload     []byte
	// Silent distinguishes a silent recoverable transformation failure
	// from a loud one for RecoverableFailureDelay (§9).
	Silent bool
	// ProcessingDuration, if non-zero, is recorded as a ProcessingTime
	// entry for the status being left.
	ProcessingDuration time.Duration
}

var rollbackSubCategories = map[eventlog.SubCategory]bool{
	eventlog.SubCategoryRollbackToNew:              true,
	eventlog.SubCategoryRollbackToTriplesGenerated: true,
}

// Handler executes the DB mutation a status-change request names.
type Handler struct {
	events     eventlog.Store
	deliveries DeliveryStore
	gauges     Gauges
	log        *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(events eventlog.Store, deliveries DeliveryStore, gauges Gauges, log *logger.Logger) *Handler {
	return &Handler{events: events, deliveries: deliveries, gauges: gauges, log: log}
}

// Handle executes req (§4.7). On ErrDeadlockDetected it retries with
// exponential backoff up to maxRetries; any other error clears the
// delivery row for the event and is rethrown to the caller, which
// converts it to an HTTP 4xx/5xx response (§7).
func (h *Handler) Handle(ctx context.Context, req Request) error {
	var err error
	switch req.SubCategory {
	case eventlog.SubCategoryProjectEventsToNew:
		err = h.withRetry(ctx, func() error { return h.projectEventsToNew(ctx, req) })
	case eventlog.SubCategoryRedoProjectTransformation:
		err = h.withRetry(ctx, func() error { return h.redoProjectTransformation(ctx, req) })
	case eventlog.SubCategoryProjectDeleted:
		err = h.withRetry(ctx, func() error { return h.projectDeleted(ctx, req) })
	default:
		err = h.withRetry(ctx, func() error { return h.singleEventTransition(ctx, req) })
	}
	if err != nil {
		h.clearDelivery(ctx, req)
		return err
	}
	return nil
}

func (h *Handler) singleEventTransition(ctx context.Context, req Request) error {
	fromStatuses, ok := eventlog.FromStatuses(req.SubCategory)
	if !ok {
		return fmt.Errorf("statuschange: subCategory %q requires bulk handling", req.SubCategory)
	}
	toStatus, err := eventlog.TargetStatus(req.SubCategory)
	if err != nil {
		return err
	}

	mut := eventlog.Mutations{}
	if req.Message != "" {
		mut.Message = &req.Message
	}
	if len(req.Payload) > 0 {
		mut.Payload = req.Payload
	}
	switch toStatus {
	case eventlog.StatusGenerationRecoverableFailure, eventlog.StatusTransformationRecoverableFailure:
		mut.ExecutionDelaySeconds = int(eventlog.RecoverableFailureDelay(req.SubCategory, req.Silent).Seconds())
	}
	if req.ProcessingDuration > 0 {
		mut.AppendProcessingTime = &eventlog.ProcessingTime{Status: toStatus, Duration: req.ProcessingDuration, At: time.Now()}
	}
	if rollbackSubCategories[req.SubCategory] {
		mut.DeleteDelivery = true
	}

	var apply func(ctx context.Context) (eventlog.UpdateOutcome, error)
	if req.SubCategory == eventlog.SubCategoryToTriplesStore {
		apply = func(ctx context.Context) (eventlog.UpdateOutcome, error) {
			return h.events.ToTriplesStore(ctx, req.EventID, req.ProjectID)
		}
	} else {
		apply = func(ctx context.Context) (eventlog.UpdateOutcome, error) {
			return h.events.UpdateStatus(ctx, req.EventID, req.ProjectID, fromStatuses, toStatus, mut)
		}
	}

	outcome, err := apply(ctx)
	if err != nil {
		return err
	}
	if outcome != eventlog.UpdateApplied {
		h.log.WithField("event_id", req.EventID).WithField("sub_category", req.SubCategory).
			WithField("outcome", outcome).Warn("statuschange: transition did not apply")
		return nil
	}

	if rollbackSubCategories[req.SubCategory] {
		h.gauges.Dec(req.Category)
	}
	return nil
}

func (h *Handler) projectEventsToNew(ctx context.Context, req Request) error {
	n, err := h.events.ProjectEventsToNew(ctx, req.ProjectID)
	if err != nil {
		return err
	}
	h.log.WithField("project_id", req.ProjectID).WithField("count", n).Info("statuschange: reset project events to NEW")
	return nil
}

// redoProjectTransformation resets every event currently mid- or
// past-transformation back to TRIPLES_GENERATED so the transformation
// phase re-runs, without discarding already-generated triples (§4.7).
func (h *Handler) redoProjectTransformation(ctx context.Context, req Request) error {
	events, err := h.events.FindProjectEvents(ctx, req.ProjectID)
	if err != nil {
		return err
	}
	redoable := map[eventlog.Status]bool{
		eventlog.StatusTransformingTriples:              true,
		eventlog.StatusTransformationRecoverableFailure:  true,
		eventlog.StatusTransformationNonRecoverableFailure: true,
		eventlog.StatusTriplesStore:                       true,
	}
	for _, e := range events {
		if !redoable[e.Status] {
			continue
		}
		mut := eventlog.Mutations{}
		if eventlog.IsProcessing(e.Status) {
			mut.DeleteDelivery = true
		}
		outcome, err := h.events.UpdateStatus(ctx, e.EventID, e.ProjectID, []eventlog.Status{e.Status}, eventlog.StatusTriplesGenerated, mut)
		if err != nil {
			return err
		}
		if outcome == eventlog.UpdateApplied && eventlog.IsProcessing(e.Status) {
			h.gauges.Dec(e.Category)
		}
	}
	return nil
}

// projectDeleted completes the CLEAN_UP category's terminal transition
// (§4.2 "DELETING -> (event removed)"): the subscriber has finished
// deleting the project's data downstream, so the project row and every
// event and delivery belonging to it are cascade-deleted here.
func (h *Handler) projectDeleted(ctx context.Context, req Request) error {
	if err := h.events.DeleteProject(ctx, req.ProjectID); err != nil {
		return err
	}
	h.gauges.Dec(req.Category)
	h.log.WithField("project_id", req.ProjectID).Info("statuschange: project deleted")
	return nil
}

func (h *Handler) clearDelivery(ctx context.Context, req Request) {
	if req.EventID == "" {
		return
	}
	if err := h.deliveries.DeleteDelivery(ctx, req.EventID, req.ProjectID, req.Category); err != nil {
		h.log.WithField("event_id", req.EventID).WithField("error", err).Warn("statuschange: clear delivery on error path failed")
	}
}

func (h *Handler) withRetry(ctx context.Context, fn func() error) error {
	backoff := baseBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDeadlockDetected) || attempt >= maxRetries {
			return err
		}
		h.log.WithField("attempt", attempt+1).Debug("statuschange: deadlock detected, retrying")
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}
