package statuschange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

type fakeEventStore struct {
	eventlog.Store
	updateErr     error
	updateOutcome eventlog.UpdateOutcome
	lastMutations eventlog.Mutations
	projectEvents []eventlog.Event
	toTriplesCalled bool
	failUntilAttempt int
	attempt          int
	deletedProject   int64
	deleteProjectErr error
}

func (f *fakeEventStore) UpdateStatus(ctx context.Context, eventID string, projectID int64, from []eventlog.Status, to eventlog.Status, mut eventlog.Mutations) (eventlog.UpdateOutcome, error) {
	f.attempt++
	f.lastMutations = mut
	if f.failUntilAttempt > 0 && f.attempt <= f.failUntilAttempt {
		return "", ErrDeadlockDetected
	}
	if f.updateErr != nil {
		return "", f.updateErr
	}
	return f.updateOutcome, nil
}

func (f *fakeEventStore) ToTriplesStore(ctx context.Context, eventID string, projectID int64) (eventlog.UpdateOutcome, error) {
	f.toTriplesCalled = true
	return f.updateOutcome, f.updateErr
}

func (f *fakeEventStore) ProjectEventsToNew(ctx context.Context, projectID int64) (int, error) {
	return 3, nil
}

func (f *fakeEventStore) FindProjectEvents(ctx context.Context, projectID int64) ([]eventlog.Event, error) {
	return f.projectEvents, nil
}

func (f *fakeEventStore) DeleteProject(ctx context.Context, projectID int64) error {
	f.deletedProject = projectID
	return f.deleteProjectErr
}

type fakeDeliveryStore struct {
	deleted []string
}

func (f *fakeDeliveryStore) DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error {
	f.deleted = append(f.deleted, eventID)
	return nil
}

type fakeGauges struct {
	decremented []eventlog.Category
}

func (f *fakeGauges) Dec(category eventlog.Category) {
	f.decremented = append(f.decremented, category)
}

func newHandler(events *fakeEventStore, deliveries *fakeDeliveryStore, gauges *fakeGauges) *Handler {
	return NewHandler(events, deliveries, gauges, logger.NewDefault("test"))
}

func TestHandleRollbackDeletesDeliveryAndDecrementsGauge(t *testing.T) {
	events := &fakeEventStore{updateOutcome: eventlog.UpdateApplied}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryRollbackToNew,
		EventID:     "evt-1",
		ProjectID:   7,
		Category:    eventlog.CategoryAwaitingGeneration,
	})
	require.NoError(t, err)
	assert.True(t, events.lastMutations.DeleteDelivery)
	assert.Equal(t, []eventlog.Category{eventlog.CategoryAwaitingGeneration}, gauges.decremented)
	assert.Empty(t, deliveries.deleted)
}

func TestHandleNonDeadlockErrorClearsDeliveryAndRethrows(t *testing.T) {
	events := &fakeEventStore{updateErr: errors.New("boom")}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryToGenerationNonRecoverableFailure,
		EventID:     "evt-2",
		ProjectID:   7,
		Message:     "stack trace",
	})
	assert.Error(t, err)
	assert.Equal(t, []string{"evt-2"}, deliveries.deleted)
}

func TestHandleRetriesOnDeadlockThenSucceeds(t *testing.T) {
	events := &fakeEventStore{updateOutcome: eventlog.UpdateApplied, failUntilAttempt: 2}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryToTriplesGenerated,
		EventID:     "evt-3",
		ProjectID:   7,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, events.attempt)
	assert.Empty(t, deliveries.deleted)
}

func TestHandleRecoverableFailureSetsExecutionDelay(t *testing.T) {
	events := &fakeEventStore{updateOutcome: eventlog.UpdateApplied}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryToGenerationRecoverableFailure,
		EventID:     "evt-4",
		ProjectID:   7,
		Message:     "retry me",
	})
	require.NoError(t, err)
	assert.Equal(t, int((5 * time.Minute).Seconds()), events.lastMutations.ExecutionDelaySeconds)
}

func TestHandleToTriplesStoreUsesBatchPromotion(t *testing.T) {
	events := &fakeEventStore{updateOutcome: eventlog.UpdateApplied}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryToTriplesStore,
		EventID:     "evt-5",
		ProjectID:   7,
	})
	require.NoError(t, err)
	assert.True(t, events.toTriplesCalled)
}

func TestHandleProjectEventsToNew(t *testing.T) {
	events := &fakeEventStore{}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryProjectEventsToNew,
		ProjectID:   9,
	})
	require.NoError(t, err)
}

func TestHandleProjectDeletedCallsDeleteProjectAndDecrementsGauge(t *testing.T) {
	events := &fakeEventStore{}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryProjectDeleted,
		ProjectID:   11,
		Category:    eventlog.CategoryCleanUp,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), events.deletedProject)
	assert.Equal(t, []eventlog.Category{eventlog.CategoryCleanUp}, gauges.decremented)
}

func TestHandleRedoProjectTransformationResetsTransformStageEvents(t *testing.T) {
	events := &fakeEventStore{
		updateOutcome: eventlog.UpdateApplied,
		projectEvents: []eventlog.Event{
			{EventID: "a", ProjectID: 9, Status: eventlog.StatusTransformingTriples, Category: eventlog.CategoryTriplesGenerated},
			{EventID: "b", ProjectID: 9, Status: eventlog.StatusNew, Category: eventlog.CategoryAwaitingGeneration},
			{EventID: "c", ProjectID: 9, Status: eventlog.StatusTriplesStore, Category: eventlog.CategoryTriplesGenerated},
		},
	}
	deliveries := &fakeDeliveryStore{}
	gauges := &fakeGauges{}
	h := newHandler(events, deliveries, gauges)

	err := h.Handle(context.Background(), Request{
		SubCategory: eventlog.SubCategoryRedoProjectTransformation,
		ProjectID:   9,
	})
	require.NoError(t, err)
	assert.Equal(t, []eventlog.Category{eventlog.CategoryTriplesGenerated}, gauges.decremented)
}
