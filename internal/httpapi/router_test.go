package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renku-project/knowledge-graph-pipeline/internal/dispatch"
	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/internal/migration"
	"github.com/renku-project/knowledge-graph-pipeline/internal/statuschange"
	"github.com/renku-project/knowledge-graph-pipeline/internal/webhook"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

type fakeDispatchStore struct {
	upserted []dispatch.Subscriber
}

func (f *fakeDispatchStore) UpsertSubscriber(ctx context.Context, sub dispatch.Subscriber) error {
	f.upserted = append(f.upserted, sub)
	return nil
}
func (f *fakeDispatchStore) EvictStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}
func (f *fakeDispatchStore) ListAvailable(ctx context.Context, category eventlog.Category) ([]dispatch.Subscriber, error) {
	return nil, nil
}
func (f *fakeDispatchStore) DeleteSubscriber(ctx context.Context, category eventlog.Category, url string) error {
	return nil
}
func (f *fakeDispatchStore) RecordDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category, deliveryID, subscriberURL string) error {
	return nil
}
func (f *fakeDispatchStore) DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error {
	return nil
}
func (f *fakeDispatchStore) DeliveryCountForSubscriber(ctx context.Context, subscriberURL string) (int, error) {
	return 0, nil
}
func (f *fakeDispatchStore) FindZombies(ctx context.Context, grace time.Duration) ([]eventlog.Event, error) {
	return nil, nil
}

type fakeEventStore struct {
	eventlog.Store
}

func (f *fakeEventStore) EnsureProject(ctx context.Context, projectID int64, slug string) error {
	return nil
}
func (f *fakeEventStore) UpsertEvent(ctx context.Context, event eventlog.Event) (eventlog.UpsertOutcome, error) {
	return eventlog.UpsertCreated, nil
}
func (f *fakeEventStore) UpdateStatus(ctx context.Context, eventID string, projectID int64, from []eventlog.Status, to eventlog.Status, mut eventlog.Mutations) (eventlog.UpdateOutcome, error) {
	return eventlog.UpdateApplied, nil
}
func (f *fakeEventStore) ProjectEventsToNew(ctx context.Context, projectID int64) (int, error) {
	return 0, nil
}

type fakeGauges struct{}

func (fakeGauges) Dec(eventlog.Category) {}

type fakeMigrationStore struct {
	reports []migration.StatusReport
}

func (f *fakeMigrationStore) LatestVersion(ctx context.Context) (string, bool, error) {
	return "", false, nil
}
func (f *fakeMigrationStore) RowsForVersion(ctx context.Context, version string) ([]migration.Row, error) {
	return nil, nil
}
func (f *fakeMigrationStore) ClaimSent(ctx context.Context, subscriberURL, version string, sentTimeout time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeMigrationStore) ApplyReport(ctx context.Context, report migration.StatusReport) error {
	f.reports = append(f.reports, report)
	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *fakeDispatchStore, *fakeMigrationStore) {
	t.Helper()
	cipher, err := webhook.NewCipher([]byte("0123456789abcdef0123456789abcdef")[:32])
	require.NoError(t, err)

	dispatchStore := &fakeDispatchStore{}
	registry := dispatch.NewRegistry(dispatchStore, []eventlog.Category{eventlog.CategoryCommitSync})
	migrationStore := &fakeMigrationStore{}

	deps := Dependencies{
		Webhook:      webhook.NewHandler(cipher, &fakeEventStore{}, logger.NewDefault("test")),
		Registry:     registry,
		StatusChange: statuschange.NewHandler(&fakeEventStore{}, dispatchStore, fakeGauges{}, logger.NewDefault("test")),
		Migrations:   migration.New(migrationStore),
		Log:          logger.NewDefault("test"),
		StartedAt:    time.Now(),
	}
	return New(deps), dispatchStore, migrationStore
}

func TestSubscribeHandlerAcceptsValidRequest(t *testing.T) {
	router, store, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"categoryName": "COMMIT_SYNC",
		"subscriber":   map[string]string{"url": "http://sub-a", "id": "sub-a", "version": "v1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, store.upserted, 1)
	assert.Equal(t, "http://sub-a", store.upserted[0].URL)
}

func TestSubscribeHandlerRejectsUnknownCategory(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"categoryName": "NOT_A_CATEGORY",
		"subscriber":   map[string]string{"url": "http://sub-a", "id": "sub-a", "version": "v1"},
	})
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusChangeHandlerAppliesJSONBody(t *testing.T) {
	router, _, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"subCategory": "ToGeneratingTriples",
		"eventId":     "evt-1",
		"projectId":   7,
	})
	req := httptest.NewRequest(http.MethodPost, "/status-changes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMigrationReportHandlerRecordsReport(t *testing.T) {
	router, _, migrations := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"subscriberUrl":     "http://sub-a",
		"subscriberVersion": "v2",
		"subCategory":       "ToDone",
	})
	req := httptest.NewRequest(http.MethodPost, "/migrations/reports", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, migrations.reports, 1)
	assert.Equal(t, "ToDone", migrations.reports[0].SubCategory)
}

func TestMigrationNextHandlerNoContentWhenNothingToDo(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/migrations/next?subscriberUrl=http://sub-a", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSystemStatusHandlerReportsUp(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/system/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "up", body["status"])
}
