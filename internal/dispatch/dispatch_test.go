package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

type fakeEventStore struct {
	eventlog.Store
	lastFrom []eventlog.Status
	lastTo   eventlog.Status
}

func (f *fakeEventStore) UpdateStatus(ctx context.Context, eventID string, projectID int64, fromStatuses []eventlog.Status, toStatus eventlog.Status, mut eventlog.Mutations) (eventlog.UpdateOutcome, error) {
	f.lastFrom = fromStatuses
	f.lastTo = toStatus
	return eventlog.UpdateApplied, nil
}

type dispatchFakeStore struct {
	fakeStore
	available []Subscriber
	deleted   bool
	deliveryRecorded bool
}

func (f *dispatchFakeStore) ListAvailable(ctx context.Context, category eventlog.Category) ([]Subscriber, error) {
	return f.available, nil
}
func (f *dispatchFakeStore) RecordDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category, deliveryID, subscriberURL string) error {
	f.deliveryRecorded = true
	return nil
}
func (f *dispatchFakeStore) DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error {
	f.deleted = true
	return nil
}

func TestDispatchAcceptedLeavesDeliveryInPlace(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	store := &dispatchFakeStore{available: []Subscriber{{URL: server.URL, Category: eventlog.CategoryAwaitingGeneration}}}
	events := &fakeEventStore{}
	d := New(store, events, logger.NewDefault("test"))

	err := d.Dispatch(context.Background(), eventlog.Event{
		EventID: "evt-1", ProjectID: 1, Category: eventlog.CategoryAwaitingGeneration, Status: eventlog.StatusGeneratingTriples,
	})
	require.NoError(t, err)
	assert.True(t, store.deliveryRecorded)
	assert.False(t, store.deleted)
}

func TestDispatchTooManyRollsBack(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	store := &dispatchFakeStore{available: []Subscriber{{URL: server.URL, Category: eventlog.CategoryAwaitingGeneration}}}
	events := &fakeEventStore{}
	d := New(store, events, logger.NewDefault("test"))

	err := d.Dispatch(context.Background(), eventlog.Event{
		EventID: "evt-2", ProjectID: 1, Category: eventlog.CategoryAwaitingGeneration, Status: eventlog.StatusGeneratingTriples,
	})
	assert.Error(t, err)
	assert.True(t, store.deleted)
	assert.Equal(t, eventlog.StatusNew, events.lastTo)
}

func TestDispatchNoAvailableSubscriberReturnsError(t *testing.T) {
	store := &dispatchFakeStore{available: nil}
	events := &fakeEventStore{}
	d := New(store, events, logger.NewDefault("test"))

	err := d.Dispatch(context.Background(), eventlog.Event{EventID: "evt-3", Category: eventlog.CategoryAwaitingGeneration})
	assert.Error(t, err)
}
