// Package dispatch implements the Subscriber Registry & Dispatch component
// (C4): subscription bookkeeping, round-robin delivery, and zombie
// recovery.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
)

// Subscriber is a registered consumer of one category's events (§4.4).
type Subscriber struct {
	Category      eventlog.Category
	URL           string
	ID            string
	SourceURL     string
	Version       string
	Capacity      *int
	LastRenewedAt time.Time
}

// SubscriptionRequest is the wire shape subscribers POST to renew or
// register (§6 "Subscription request").
type SubscriptionRequest struct {
	CategoryName string `json:"categoryName"`
	Subscriber   struct {
		URL     string `json:"url"`
		ID      string `json:"id"`
		Version string `json:"version"`
	} `json:"subscriber"`
	Capacity *int `json:"capacity,omitempty"`
}

// knownVersion is the one protocol version the registry accepts. A real
// deployment would widen this to a set as the wire protocol evolves.
const knownVersion = "v1"

// Store is the persistence contract the registry and dispatcher need.
type Store interface {
	UpsertSubscriber(ctx context.Context, sub Subscriber) error
	EvictStale(ctx context.Context, olderThan time.Duration) (int, error)
	ListAvailable(ctx context.Context, category eventlog.Category) ([]Subscriber, error)
	DeleteSubscriber(ctx context.Context, category eventlog.Category, url string) error
	RecordDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category, deliveryID, subscriberURL string) error
	DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error
	DeliveryCountForSubscriber(ctx context.Context, subscriberURL string) (int, error)
	FindZombies(ctx context.Context, grace time.Duration) ([]eventlog.Event, error)
}

// Registry handles the subscription protocol (§4.4).
type Registry struct {
	store     Store
	knownCats map[eventlog.Category]bool
}

// NewRegistry constructs a Registry that accepts subscriptions for the
// given known categories.
func NewRegistry(store Store, known []eventlog.Category) *Registry {
	set := make(map[eventlog.Category]bool, len(known))
	for _, c := range known {
		set[c] = true
	}
	return &Registry{store: store, knownCats: set}
}

// Subscribe validates and records a subscription request, idempotently.
func (r *Registry) Subscribe(ctx context.Context, req SubscriptionRequest) error {
	category := eventlog.Category(req.CategoryName)
	if !r.knownCats[category] {
		return fmt.Errorf("dispatch: unknown category %q", req.CategoryName)
	}
	if req.Subscriber.Version != knownVersion {
		return fmt.Errorf("dispatch: unknown subscriber version %q", req.Subscriber.Version)
	}
	return r.store.UpsertSubscriber(ctx, Subscriber{
		Category:      category,
		URL:           req.Subscriber.URL,
		ID:            req.Subscriber.ID,
		SourceURL:     req.Subscriber.URL,
		Version:       req.Subscriber.Version,
		Capacity:      req.Capacity,
		LastRenewedAt: time.Now(),
	})
}

// EvictExpired removes subscribers that have not renewed within
// renewTimeout, the way §4.4's "missing renewals cause eventual eviction"
// is implemented.
func (r *Registry) EvictExpired(ctx context.Context, renewTimeout time.Duration) (int, error) {
	return r.store.EvictStale(ctx, renewTimeout)
}
