// Package postgres is the PostgreSQL-backed implementation of the
// subscriber registry and delivery tracking tables (C4).
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/renku-project/knowledge-graph-pipeline/internal/dispatch"
	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	basestore "github.com/renku-project/knowledge-graph-pipeline/pkg/storage/postgres"
)

// Store implements dispatch.Store.
type Store struct {
	*basestore.BaseStore
	db *sqlx.DB
}

// NewStore wraps db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{BaseStore: basestore.NewBaseStore(db.DB, "subscriber"), db: db}
}

var _ dispatch.Store = (*Store)(nil)

type subscriberRow struct {
	Category      string    `db:"category"`
	SubscriberURL string    `db:"subscriber_url"`
	SubscriberID  string    `db:"subscriber_id"`
	SourceURL     string    `db:"source_url"`
	Version       string    `db:"version"`
	Capacity      *int      `db:"capacity"`
	LastRenewedAt time.Time `db:"last_renewed_at"`
}

func (r subscriberRow) toSubscriber() dispatch.Subscriber {
	return dispatch.Subscriber{
		Category:      eventlog.Category(r.Category),
		URL:           r.SubscriberURL,
		ID:            r.SubscriberID,
		SourceURL:     r.SourceURL,
		Version:       r.Version,
		Capacity:      r.Capacity,
		LastRenewedAt: r.LastRenewedAt,
	}
}

// UpsertSubscriber implements dispatch.Store.
func (s *Store) UpsertSubscriber(ctx context.Context, sub dispatch.Subscriber) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO subscriber (category, subscriber_url, subscriber_id, source_url, version, capacity, last_renewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (category, subscriber_url) DO UPDATE SET
			subscriber_id = EXCLUDED.subscriber_id,
			source_url = EXCLUDED.source_url,
			version = EXCLUDED.version,
			capacity = EXCLUDED.capacity,
			last_renewed_at = now()`,
		sub.Category, sub.URL, sub.ID, sub.SourceURL, sub.Version, sub.Capacity)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// EvictStale implements dispatch.Store.
func (s *Store) EvictStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.ExecContext(ctx, `
		DELETE FROM subscriber WHERE last_renewed_at < now() - ($1 || ' seconds')::interval`,
		int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("evict stale subscribers: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// ListAvailable implements dispatch.Store: subscribers not yet at
// capacity, ordered by URL for a stable round-robin cursor.
func (s *Store) ListAvailable(ctx context.Context, category eventlog.Category) ([]dispatch.Subscriber, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT s.category, s.subscriber_url, s.subscriber_id, s.source_url, s.version, s.capacity, s.last_renewed_at
		FROM subscriber s
		WHERE s.category = $1
		  AND (s.capacity IS NULL OR s.capacity > (
		      SELECT COUNT(*) FROM event_delivery d WHERE d.subscriber_url = s.subscriber_url AND d.category = s.category
		  ))
		ORDER BY s.subscriber_url`, category)
	if err != nil {
		return nil, fmt.Errorf("list available subscribers: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Subscriber
	for rows.Next() {
		var r subscriberRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan subscriber row: %w", err)
		}
		out = append(out, r.toSubscriber())
	}
	return out, rows.Err()
}

// DeleteSubscriber implements dispatch.Store.
func (s *Store) DeleteSubscriber(ctx context.Context, category eventlog.Category, url string) error {
	_, err := s.ExecContext(ctx, `DELETE FROM subscriber WHERE category = $1 AND subscriber_url = $2`, category, url)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return nil
}

// RecordDelivery implements dispatch.Store.
func (s *Store) RecordDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category, deliveryID, subscriberURL string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO event_delivery (event_id, project_id, category, delivery_id, subscriber_url, delivered_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (event_id, project_id, category) DO UPDATE SET
			delivery_id = EXCLUDED.delivery_id,
			subscriber_url = EXCLUDED.subscriber_url,
			delivered_at = now()`,
		eventID, projectID, category, deliveryID, subscriberURL)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// DeleteDelivery implements dispatch.Store.
func (s *Store) DeleteDelivery(ctx context.Context, eventID string, projectID int64, category eventlog.Category) error {
	_, err := s.ExecContext(ctx, `DELETE FROM event_delivery WHERE event_id = $1 AND project_id = $2 AND category = $3`,
		eventID, projectID, category)
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	return nil
}

// DeliveryCountForSubscriber implements dispatch.Store.
func (s *Store) DeliveryCountForSubscriber(ctx context.Context, subscriberURL string) (int, error) {
	var count int
	err := s.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_delivery WHERE subscriber_url = $1`, subscriberURL).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("delivery count: %w", err)
	}
	return count, nil
}

// FindZombies implements dispatch.Store: events in a processing status
// whose delivery is missing, points to a vanished subscriber, or has
// stalled past grace (§4.4).
func (s *Store) FindZombies(ctx context.Context, grace time.Duration) ([]eventlog.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT e.event_id, e.project_id, p.project_slug, e.category, e.status,
		       e.event_date, e.created_date, e.execution_date, e.batch_date, e.message, e.payload
		FROM event e
		JOIN project p ON p.project_id = e.project_id
		LEFT JOIN event_delivery d ON d.event_id = e.event_id AND d.project_id = e.project_id AND d.category = e.category
		LEFT JOIN subscriber s ON s.subscriber_url = d.subscriber_url AND s.category = e.category
		WHERE e.status IN ($1, $2, $3)
		  AND (d.delivery_id IS NULL OR s.subscriber_url IS NULL OR e.execution_date < now() - ($4 || ' seconds')::interval)`,
		eventlog.StatusGeneratingTriples, eventlog.StatusTransformingTriples, eventlog.StatusDeleting,
		int64(grace.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("find zombies: %w", err)
	}
	defer rows.Close()

	type row struct {
		EventID       string    `db:"event_id"`
		ProjectID     int64     `db:"project_id"`
		ProjectSlug   string    `db:"project_slug"`
		Category      string    `db:"category"`
		Status        string    `db:"status"`
		EventDate     time.Time `db:"event_date"`
		CreatedDate   time.Time `db:"created_date"`
		ExecutionDate time.Time `db:"execution_date"`
		BatchDate     time.Time `db:"batch_date"`
		Message       *string   `db:"message"`
		Payload       []byte    `db:"payload"`
	}

	var out []eventlog.Event
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan zombie row: %w", err)
		}
		e := eventlog.Event{
			EventID:       r.EventID,
			ProjectID:     r.ProjectID,
			ProjectSlug:   r.ProjectSlug,
			Category:      eventlog.Category(r.Category),
			Status:        eventlog.Status(r.Status),
			EventDate:     r.EventDate,
			CreatedDate:   r.CreatedDate,
			ExecutionDate: r.ExecutionDate,
			BatchDate:     r.BatchDate,
			Payload:       r.Payload,
		}
		if r.Message != nil {
			e.Message = *r.Message
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
