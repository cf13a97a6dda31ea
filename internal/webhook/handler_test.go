package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

type recordingStore struct {
	eventlog.Store
	mu      sync.Mutex
	ensured []int64
	events  []eventlog.Event
}

func (r *recordingStore) EnsureProject(ctx context.Context, projectID int64, slug string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, projectID)
	return nil
}

func (r *recordingStore) UpsertEvent(ctx context.Context, event eventlog.Event) (eventlog.UpsertOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return eventlog.UpsertCreated, nil
}

func (r *recordingStore) snapshot() []eventlog.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventlog.Event(nil), r.events...)
}

func TestHandlerAcceptsValidToken(t *testing.T) {
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)
	token, err := cipher.Encrypt(HookToken{ProjectID: 42})
	require.NoError(t, err)

	store := &recordingStore{}
	h := NewHandler(cipher, store, logger.NewDefault("test"))

	body, _ := json.Marshal(map[string]any{
		"after":   "abc",
		"project": map[string]any{"id": 42, "path_with_namespace": "g/p"},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", token)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return len(store.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "abc", store.snapshot()[0].EventID)
}

func TestHandlerRejectsProjectMismatch(t *testing.T) {
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)
	token, err := cipher.Encrypt(HookToken{ProjectID: 7})
	require.NoError(t, err)

	store := &recordingStore{}
	h := NewHandler(cipher, store, logger.NewDefault("test"))

	body, _ := json.Marshal(map[string]any{
		"after":   "abc",
		"project": map[string]any{"id": 42, "path_with_namespace": "g/p"},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader(body))
	req.Header.Set("X-Gitlab-Token", token)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, store.snapshot())
}

func TestHandlerRejectsMissingToken(t *testing.T) {
	cipher, err := NewCipher(testKey())
	require.NoError(t, err)
	store := &recordingStore{}
	h := NewHandler(cipher, store, logger.NewDefault("test"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
