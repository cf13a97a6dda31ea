// Package postgres is the PostgreSQL-backed implementation of the event
// log (C1) and its supporting tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/pgnotify"
	basestore "github.com/renku-project/knowledge-graph-pipeline/pkg/storage/postgres"
)

// NotifyChannel is the pg_notify channel the store publishes to whenever a
// write lands an event in a status producers poll for (NEW or a
// *_RECOVERABLE_FAILURE), so a Producer subscribed via pgnotify wakes
// immediately instead of waiting for its next tick. internal/producer
// declares the same literal as wakeupChannel; keep the two equal.
const NotifyChannel = "event_log_pickup"

// notifyPayload is the pg_notify body for NotifyChannel.
type notifyPayload struct {
	Category eventlog.Category `json:"category"`
}

// Store is the sqlx-backed implementation of eventlog.Store.
type Store struct {
	*basestore.BaseStore
	db  *sqlx.DB
	bus *pgnotify.Bus
}

// NewStore wraps db, reusing the shared BaseStore for transaction and
// querier plumbing.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		BaseStore: basestore.NewBaseStore(db.DB, "event"),
		db:        db,
	}
}

// WithNotifyBus attaches bus so writes that make an event pickable publish
// a wake-up notification on NotifyChannel. Optional: a Store with no bus
// behaves exactly as before, relying solely on producer poll ticks.
func (s *Store) WithNotifyBus(bus *pgnotify.Bus) *Store {
	s.bus = bus
	return s
}

func (s *Store) notifyPickable(ctx context.Context, category eventlog.Category, status eventlog.Status) {
	if s.bus == nil {
		return
	}
	if status != eventlog.StatusNew &&
		status != eventlog.StatusGenerationRecoverableFailure &&
		status != eventlog.StatusTransformationRecoverableFailure {
		return
	}
	if err := s.bus.Publish(ctx, NotifyChannel, notifyPayload{Category: category}); err != nil {
		// Wake-up is an optimization, not a correctness requirement: the
		// producer's poll tick still picks the event up.
		return
	}
}

var _ eventlog.Store = (*Store)(nil)

const eventColumns = `e.event_id, e.project_id, p.project_slug, e.category, e.status,
	e.event_date, e.created_date, e.execution_date, e.batch_date, e.message, e.payload`

const eventFromJoin = `event e JOIN project p ON p.project_id = e.project_id`

type eventRow struct {
	EventID       string         `db:"event_id"`
	ProjectID     int64          `db:"project_id"`
	ProjectSlug   string         `db:"project_slug"`
	Category      string         `db:"category"`
	Status        string         `db:"status"`
	EventDate     time.Time      `db:"event_date"`
	CreatedDate   time.Time      `db:"created_date"`
	ExecutionDate time.Time      `db:"execution_date"`
	BatchDate     time.Time      `db:"batch_date"`
	Message       sql.NullString `db:"message"`
	Payload       []byte         `db:"payload"`
}

func (r eventRow) toEvent() eventlog.Event {
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
	if r.Message.Valid {
		e.Message = r.Message.String
	}
	return e
}

// EnsureProject implements eventlog.Store.
func (s *Store) EnsureProject(ctx context.Context, projectID int64, slug string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO project (project_id, project_slug)
		VALUES ($1, $2)
		ON CONFLICT (project_id) DO NOTHING`, projectID, slug)
	if err != nil {
		return fmt.Errorf("ensure project: %w", err)
	}
	return nil
}

// UpsertEvent implements eventlog.Store.
func (s *Store) UpsertEvent(ctx context.Context, event eventlog.Event) (eventlog.UpsertOutcome, error) {
	outcome := eventlog.UpsertCreated
	err := s.WithTx(ctx, func(ctx context.Context) error {
		var currentStatus string
		err := s.QueryRowContext(ctx, `
			SELECT status FROM event WHERE event_id = $1 AND project_id = $2 FOR UPDATE`,
			event.EventID, event.ProjectID).Scan(&currentStatus)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := s.ExecContext(ctx, `
				INSERT INTO event (event_id, project_id, category, status, event_date, created_date, execution_date, batch_date)
				VALUES ($1, $2, $3, $4, $5, now(), $5, $5)`,
				event.EventID, event.ProjectID, event.Category, eventlog.StatusNew, event.EventDate)
			return err
		case err != nil:
			return fmt.Errorf("lookup existing event: %w", err)
		}

		if !eventlog.ShouldResetToNewOnUpsert(eventlog.Status(currentStatus)) {
			outcome = eventlog.UpsertSkipped
			return nil
		}
		outcome = eventlog.UpsertExisted
		_, err = s.ExecContext(ctx, `
			UPDATE event SET status = $1, execution_date = now(), message = NULL
			WHERE event_id = $2 AND project_id = $3`,
			eventlog.StatusNew, event.EventID, event.ProjectID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("upsert event: %w", err)
	}
	if outcome != eventlog.UpsertSkipped {
		s.notifyPickable(ctx, event.Category, eventlog.StatusNew)
	}
	return outcome, nil
}

// FindEventByStatus implements eventlog.Store. The FOR UPDATE SKIP LOCKED
// clause lets concurrent producers and the reaper scan the same statuses
// without blocking on each other's candidate rows.
func (s *Store) FindEventByStatus(ctx context.Context, category eventlog.Category, statuses []eventlog.Status, executionBefore time.Time, limit int) ([]eventlog.Event, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	pgStatuses := make(pq.StringArray, len(statuses))
	for i, st := range statuses {
		pgStatuses[i] = string(st)
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+eventColumns+`
		FROM `+eventFromJoin+`
		WHERE e.category = $1 AND e.status = ANY($2) AND e.execution_date <= $3
		ORDER BY e.execution_date ASC
		LIMIT $4
		FOR UPDATE OF e SKIP LOCKED`, category, pgStatuses, executionBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("find events by status: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		var r eventRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, r.toEvent())
	}
	return out, rows.Err()
}

// UpdateStatus implements eventlog.Store's compare-and-swap status
// transition (§4.1).
func (s *Store) UpdateStatus(ctx context.Context, eventID string, projectID int64, fromStatuses []eventlog.Status, toStatus eventlog.Status, mut eventlog.Mutations) (eventlog.UpdateOutcome, error) {
	outcome := eventlog.UpdateApplied
	err := s.WithTx(ctx, func(ctx context.Context) error {
		placeholders := make([]string, len(fromStatuses))
		args := []any{toStatus, eventID, projectID}
		for i, st := range fromStatuses {
			args = append(args, st)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}

		setClauses := []string{"status = $1"}
		if mut.ExecutionDelaySeconds > 0 {
			setClauses = append(setClauses, fmt.Sprintf("execution_date = now() + interval '%d seconds'", mut.ExecutionDelaySeconds))
		} else {
			setClauses = append(setClauses, "execution_date = now()")
		}
		if mut.Message != nil {
			args = append(args, *mut.Message)
			setClauses = append(setClauses, fmt.Sprintf("message = $%d", len(args)))
		}
		if mut.ClearPayload {
			setClauses = append(setClauses, "payload = NULL")
		} else if mut.Payload != nil {
			args = append(args, mut.Payload)
			setClauses = append(setClauses, fmt.Sprintf("payload = $%d", len(args)))
		}

		query := fmt.Sprintf(`
			UPDATE event SET %s
			WHERE event_id = $2 AND project_id = $3 AND status = ANY(ARRAY[%s]::text[])
			RETURNING category`,
			strings.Join(setClauses, ", "), strings.Join(placeholders, ", "))

		var category string
		err := s.QueryRowContext(ctx, query, args...).Scan(&category)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			existsErr := s.QueryRowContext(ctx, `
				SELECT EXISTS(SELECT 1 FROM event WHERE event_id = $1 AND project_id = $2)`,
				eventID, projectID).Scan(&exists)
			if existsErr != nil {
				return fmt.Errorf("check event exists: %w", existsErr)
			}
			if !exists {
				outcome = eventlog.UpdateNotFound
			} else {
				outcome = eventlog.UpdateConflict
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		s.notifyPickable(ctx, eventlog.Category(category), toStatus)

		if mut.AppendProcessingTime != nil {
			pt := mut.AppendProcessingTime
			_, err := s.ExecContext(ctx, `
				INSERT INTO event_processing_time (event_id, project_id, status, duration_ms, recorded_at)
				VALUES ($1, $2, $3, $4, $5)`,
				eventID, projectID, pt.Status, pt.Duration.Milliseconds(), pt.At)
			if err != nil {
				return fmt.Errorf("record processing time: %w", err)
			}
		}

		if mut.DeleteDelivery {
			_, err := s.ExecContext(ctx, `DELETE FROM event_delivery WHERE event_id = $1 AND project_id = $2`, eventID, projectID)
			if err != nil {
				return fmt.Errorf("delete delivery: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("update status: %w", err)
	}
	return outcome, nil
}

// ToTriplesStore implements the batch-promotion rule (§4.2): every older
// or same-dated event of the project still stuck before TRIPLES_STORE
// moves up with it, atomically.
func (s *Store) ToTriplesStore(ctx context.Context, eventID string, projectID int64) (eventlog.UpdateOutcome, error) {
	outcome := eventlog.UpdateApplied
	err := s.WithTx(ctx, func(ctx context.Context) error {
		var eventDate time.Time
		err := s.QueryRowContext(ctx, `
			SELECT event_date FROM event
			WHERE event_id = $1 AND project_id = $2 AND status = $3
			FOR UPDATE`, eventID, projectID, eventlog.StatusTransformingTriples).Scan(&eventDate)
		if errors.Is(err, sql.ErrNoRows) {
			outcome = eventlog.UpdateConflict
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup event for promotion: %w", err)
		}

		_, err = s.ExecContext(ctx, `
			UPDATE event SET status = $1, execution_date = now()
			WHERE project_id = $2 AND event_date <= $3
			  AND status IN ($4, $5, $6, $7)`,
			eventlog.StatusTriplesStore, projectID, eventDate,
			eventlog.StatusNew, eventlog.StatusGeneratingTriples,
			eventlog.StatusTriplesGenerated, eventlog.StatusTransformingTriples)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("promote to triples store: %w", err)
	}
	return outcome, nil
}

// ProjectEventsToNew implements eventlog.Store.
func (s *Store) ProjectEventsToNew(ctx context.Context, projectID int64) (int, error) {
	res, err := s.ExecContext(ctx, `
		UPDATE event SET status = $1, execution_date = now()
		WHERE project_id = $2 AND status NOT IN ($3, $4, $5, $6)`,
		eventlog.StatusNew, projectID,
		eventlog.StatusTriplesStore, eventlog.StatusGenerationNonRecoverableFailure, eventlog.StatusTransformationNonRecoverableFailure,
		eventlog.StatusSkipped)
	if err != nil {
		return 0, fmt.Errorf("reset project events: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

// FindProjectEvents implements eventlog.Store.
func (s *Store) FindProjectEvents(ctx context.Context, projectID int64) ([]eventlog.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT `+eventColumns+`
		FROM `+eventFromJoin+`
		WHERE e.project_id = $1 ORDER BY e.event_date ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("find project events: %w", err)
	}
	defer rows.Close()

	var out []eventlog.Event
	for rows.Next() {
		var r eventRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, r.toEvent())
	}
	return out, rows.Err()
}

// DeleteProject implements eventlog.Store.
func (s *Store) DeleteProject(ctx context.Context, projectID int64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ExecContext(ctx, `DELETE FROM event_delivery WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("delete deliveries: %w", err)
		}
		if _, err := s.ExecContext(ctx, `DELETE FROM event_processing_time WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("delete processing times: %w", err)
		}
		if _, err := s.ExecContext(ctx, `DELETE FROM event WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		if _, err := s.ExecContext(ctx, `DELETE FROM project WHERE project_id = $1`, projectID); err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		return nil
	})
}
