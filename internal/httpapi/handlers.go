package httpapi

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/renku-project/knowledge-graph-pipeline/internal/dispatch"
	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/internal/migration"
	"github.com/renku-project/knowledge-graph-pipeline/internal/pipelineerrors"
	"github.com/renku-project/knowledge-graph-pipeline/internal/statuschange"
)

func subscribeHandler(registry *dispatch.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatch.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed("malformed body"))
			return
		}
		if err := registry.Subscribe(r.Context(), req); err != nil {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "subscribed"})
	}
}

// statusChangeWire is the JSON shape of the "event" part of a status
// change request (§4.7, §6).
type statusChangeWire struct {
	SubCategory string `json:"subCategory"`
	EventID     string `json:"eventId"`
	ProjectID   int64  `json:"projectId"`
	Category    string `json:"category"`
	Message     string `json:"message"`
	Silent      bool   `json:"silent"`
	DurationMS  int64  `json:"processingDurationMs"`
}

func statusChangeHandler(handler *statuschange.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wire, payload, err := decodeStatusChange(r)
		if err != nil {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed("malformed body"))
			return
		}

		req := statuschange.Request{
			SubCategory: eventlog.SubCategory(wire.SubCategory),
			EventID:     wire.EventID,
			ProjectID:   wire.ProjectID,
			Category:    eventlog.Category(wire.Category),
			Message:     wire.Message,
			Payload:     payload,
			Silent:      wire.Silent,
		}
		if wire.DurationMS > 0 {
			req.ProcessingDuration = time.Duration(wire.DurationMS) * time.Millisecond
		}

		if err := handler.Handle(r.Context(), req); err != nil {
			pipelineerrors.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "applied"})
	}
}

// decodeStatusChange accepts either a plain JSON body or a multipart
// request carrying an "event" JSON part and an optional zipped "payload"
// part, matching the event envelope shape of §6 (ToTriplesGenerated
// carries payload).
func decodeStatusChange(r *http.Request) (statusChangeWire, []byte, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		return decodeMultipartStatusChange(r, params["boundary"])
	}

	var wire statusChangeWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		return statusChangeWire{}, nil, err
	}
	return wire, nil, nil
}

func decodeMultipartStatusChange(r *http.Request, boundary string) (statusChangeWire, []byte, error) {
	var wire statusChangeWire
	var payload []byte

	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return statusChangeWire{}, nil, err
		}
		switch part.FormName() {
		case "event":
			if err := json.NewDecoder(part).Decode(&wire); err != nil {
				return statusChangeWire{}, nil, err
			}
		case "payload":
			data, err := io.ReadAll(part)
			if err != nil {
				return statusChangeWire{}, nil, err
			}
			payload = data
		}
	}
	return wire, payload, nil
}

// migrationReportWire is the migration-request envelope (§6).
type migrationReportWire struct {
	SubscriberURL     string `json:"subscriberUrl"`
	SubscriberVersion string `json:"subscriberVersion"`
	SubCategory       string `json:"subCategory"`
	Message           string `json:"message,omitempty"`
}

func migrationReportHandler(coordinator *migration.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var wire migrationReportWire
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed("malformed body"))
			return
		}
		err := coordinator.ApplyReport(r.Context(), migration.StatusReport{
			SubscriberURL:     wire.SubscriberURL,
			SubscriberVersion: wire.SubscriberVersion,
			SubCategory:       wire.SubCategory,
			Message:           wire.Message,
		})
		if err != nil {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "recorded"})
	}
}

func migrationNextHandler(coordinator *migration.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subscriberURL := r.URL.Query().Get("subscriberUrl")
		if subscriberURL == "" {
			pipelineerrors.WriteHTTP(w, pipelineerrors.Malformed("subscriberUrl is required"))
			return
		}
		row, ok, err := coordinator.NextMigration(r.Context(), subscriberURL)
		if err != nil {
			pipelineerrors.WriteHTTP(w, err)
			return
		}
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"subscriberUrl":     row.SubscriberURL,
			"subscriberVersion": row.SubscriberVersion,
			"status":            string(row.Status),
		})
	}
}
