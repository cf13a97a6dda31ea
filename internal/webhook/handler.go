package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/internal/pipelineerrors"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

// pushPayload is the JSON body of a push notification (§4.5).
type pushPayload struct {
	After   string `json:"after"`
	Project struct {
		ID             int64  `json:"id"`
		PathWithNS     string `json:"path_with_namespace"`
	} `json:"project"`
}

// Handler serves the webhook endpoint (§6 "Webhook endpoint").
type Handler struct {
	cipher *Cipher
	store  eventlog.Store
	log    *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cipher *Cipher, store eventlog.Store, log *logger.Logger) *Handler {
	return &Handler{cipher: cipher, store: store, log: log}
}

// ServeHTTP implements POST /webhooks/events (§4.5, §6).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Gitlab-Token")
	if token == "" {
		pipelineerrors.WriteHTTP(w, pipelineerrors.Unauthorized("missing token"))
		return
	}

	var body pushPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed("malformed body"))
		return
	}

	tok, err := h.cipher.Decrypt(token)
	if err != nil {
		// The token is never logged, even on failure.
		pipelineerrors.WriteHTTP(w, pipelineerrors.Unauthorized("invalid token"))
		return
	}
	if tok.ProjectID != body.Project.ID {
		pipelineerrors.WriteHTTP(w, pipelineerrors.Unauthorized("project mismatch"))
		return
	}

	eventID := body.After
	projectID := body.Project.ID
	projectSlug := body.Project.PathWithNS

	// The response does not wait for persistence (§4.5 step 4): the event
	// is created on a detached background context while the 202 is sent.
	go h.publish(context.Background(), eventID, projectID, projectSlug)

	writeJSON(w, http.StatusAccepted, map[string]string{"message": "accepted"})
}

func (h *Handler) publish(ctx context.Context, eventID string, projectID int64, projectSlug string) {
	if err := h.store.EnsureProject(ctx, projectID, projectSlug); err != nil {
		h.log.WithField("project_id", projectID).WithField("error", err).Warn("webhook: ensure project failed")
		return
	}

	now := time.Now()
	event := eventlog.Event{
		EventID:     orGenerated(eventID),
		ProjectID:   projectID,
		ProjectSlug: projectSlug,
		Category:    eventlog.CategoryCommitSync,
		EventDate:   eventlog.ClampEventDate(now, now),
	}
	outcome, err := h.store.UpsertEvent(ctx, event)
	if err != nil {
		h.log.WithField("event_id", event.EventID).WithField("error", err).Warn("webhook: upsert event failed")
		return
	}
	h.log.WithField("event_id", event.EventID).WithField("project_id", projectID).WithField("outcome", outcome).
		Info("webhook: commit sync event published")
}

func orGenerated(eventID string) string {
	if eventID == "" {
		return uuid.NewString()
	}
	return eventID
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
