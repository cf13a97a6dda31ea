package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

// connectivityRetries and connectivityBackoff implement §5's "Retries for
// connectivity errors: bounded at 10 with linear 10 s back-off".
const (
	connectivityRetries = 10
	connectivityBackoff = 10 * time.Second
	requestTimeout      = 30 * time.Second
)

// eventEnvelope is the JSON part of the multipart POST to a subscriber
// (§6 "Event envelope").
type eventEnvelope struct {
	CategoryName string `json:"categoryName"`
	ID           string `json:"id"`
	Project      struct {
		ID   int64  `json:"id"`
		Slug string `json:"slug"`
	} `json:"project"`
}

// Dispatcher implements producer.Dispatcher: it picks a subscriber by
// round robin among those not at capacity, records the delivery before
// the POST, and interprets the response per §4.4.
type Dispatcher struct {
	store    Store
	events   eventlog.Store
	client   *http.Client
	log      *logger.Logger

	mu      sync.Mutex
	cursors map[eventlog.Category]int
}

// New constructs a Dispatcher. events is the Event Store, needed to roll a
// rejected or lost delivery's event back to a recoverable status.
func New(store Store, events eventlog.Store, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		events:  events,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
		cursors: make(map[eventlog.Category]int),
	}
}

// Dispatch implements producer.Dispatcher.
func (d *Dispatcher) Dispatch(ctx context.Context, event eventlog.Event) error {
	subscriber, err := d.pick(ctx, event.Category)
	if err != nil {
		return err
	}
	if subscriber == nil {
		return fmt.Errorf("dispatch: no available subscriber for category %q", event.Category)
	}

	deliveryID := uuid.NewString()
	if err := d.store.RecordDelivery(ctx, event.EventID, event.ProjectID, event.Category, deliveryID, subscriber.URL); err != nil {
		return fmt.Errorf("dispatch: record delivery: %w", err)
	}

	status, err := d.post(ctx, subscriber.URL, event)
	switch {
	case err != nil:
		return d.handleConnectivityFailure(ctx, event, subscriber, err)
	case status == http.StatusAccepted:
		d.log.WithField("event_id", event.EventID).WithField("subscriber", subscriber.URL).Info("dispatch: accepted")
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		if err := d.rollback(ctx, event, subscriber); err != nil {
			return err
		}
		d.log.WithField("event_id", event.EventID).WithField("subscriber", subscriber.URL).
			Warn("dispatch: subscriber at capacity, will retry")
		return fmt.Errorf("dispatch: subscriber %s busy, event left for retry", subscriber.URL)
	default:
		return fmt.Errorf("dispatch: unexpected response status %d from %s", status, subscriber.URL)
	}
}

// pick selects a subscriber using round robin restricted to those not at
// capacity (§4.4).
func (d *Dispatcher) pick(ctx context.Context, category eventlog.Category) (*Subscriber, error) {
	available, err := d.store.ListAvailable(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list subscribers: %w", err)
	}
	if len(available) == 0 {
		return nil, nil
	}

	d.mu.Lock()
	idx := d.cursors[category] % len(available)
	d.cursors[category] = idx + 1
	d.mu.Unlock()

	sub := available[idx]
	return &sub, nil
}

// post issues the multipart HTTP POST carrying the event envelope and an
// optional payload part (§6).
func (d *Dispatcher) post(ctx context.Context, url string, event eventlog.Event) (int, error) {
	envelope := eventEnvelope{CategoryName: string(event.Category), ID: event.EventID}
	envelope.Project.ID = event.ProjectID
	envelope.Project.Slug = event.ProjectSlug

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	eventPart, err := writer.CreateFormField("event")
	if err != nil {
		return 0, fmt.Errorf("create event part: %w", err)
	}
	if err := json.NewEncoder(eventPart).Encode(envelope); err != nil {
		return 0, fmt.Errorf("encode event part: %w", err)
	}

	if len(event.Payload) > 0 {
		payloadPart, err := writer.CreateFormFile("payload", event.EventID+".bin")
		if err != nil {
			return 0, fmt.Errorf("create payload part: %w", err)
		}
		if _, err := payloadPart.Write(event.Payload); err != nil {
			return 0, fmt.Errorf("write payload part: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// handleConnectivityFailure retries up to connectivityRetries times with a
// linear back-off; on exhaustion the subscriber is treated as lost
// (§4.4 "Connection error after N retries").
func (d *Dispatcher) handleConnectivityFailure(ctx context.Context, event eventlog.Event, subscriber *Subscriber, cause error) error {
	for attempt := 1; attempt <= connectivityRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectivityBackoff):
		}
		status, err := d.post(ctx, subscriber.URL, event)
		if err == nil && status == http.StatusAccepted {
			return nil
		}
		if err == nil {
			cause = fmt.Errorf("unexpected response status %d", status)
		} else {
			cause = err
		}
	}

	d.log.WithField("subscriber", subscriber.URL).WithField("error", cause).Warn("dispatch: subscriber lost, evicting")
	if err := d.store.DeleteSubscriber(ctx, event.Category, subscriber.URL); err != nil {
		return fmt.Errorf("dispatch: evict lost subscriber: %w", err)
	}
	// Every other delivery this subscriber held becomes a zombie and is
	// picked up by the reaper sweep; this one we can roll back directly
	// since we are already holding it.
	if err := d.rollback(ctx, event, subscriber); err != nil {
		return err
	}
	return fmt.Errorf("dispatch: lost subscriber %s: %w", subscriber.URL, cause)
}

// rollback removes the delivery and returns the event to NEW or the
// predecessor of its current processing status (§4.4 "remove the
// delivery, return the event to NEW").
func (d *Dispatcher) rollback(ctx context.Context, event eventlog.Event, subscriber *Subscriber) error {
	if err := d.store.DeleteDelivery(ctx, event.EventID, event.ProjectID, event.Category); err != nil {
		return fmt.Errorf("dispatch: rollback delete delivery: %w", err)
	}
	predecessor, err := eventlog.PredecessorOfProcessing(event.Status)
	if err != nil {
		predecessor = eventlog.StatusNew
	}
	if _, err := d.events.UpdateStatus(ctx, event.EventID, event.ProjectID, []eventlog.Status{event.Status}, predecessor, eventlog.Mutations{}); err != nil {
		return fmt.Errorf("dispatch: rollback status: %w", err)
	}
	return nil
}
