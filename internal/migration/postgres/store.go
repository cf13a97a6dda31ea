// Package postgres is the PostgreSQL-backed implementation of the
// migration_status table that backs the Migration Coordinator (C6).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/renku-project/knowledge-graph-pipeline/internal/migration"
	basestore "github.com/renku-project/knowledge-graph-pipeline/pkg/storage/postgres"
)

// Store implements migration.Store.
type Store struct {
	*basestore.BaseStore
	db *sqlx.DB
}

// NewStore wraps db.
func NewStore(db *sqlx.DB) *Store {
	return &Store{BaseStore: basestore.NewBaseStore(db.DB, "migration_status"), db: db}
}

var _ migration.Store = (*Store)(nil)

type statusRow struct {
	SubscriberURL     string    `db:"subscriber_url"`
	SubscriberVersion string    `db:"subscriber_version"`
	Status            string    `db:"status"`
	ChangeDate        time.Time `db:"change_date"`
	Message           *string   `db:"message"`
}

func (r statusRow) toRow() migration.Row {
	out := migration.Row{
		SubscriberURL:     r.SubscriberURL,
		SubscriberVersion: r.SubscriberVersion,
		Status:            migration.Status(r.Status),
		ChangeDate:        r.ChangeDate,
	}
	if r.Message != nil {
		out.Message = *r.Message
	}
	return out
}

// LatestVersion implements migration.Store.
func (s *Store) LatestVersion(ctx context.Context) (string, bool, error) {
	var version string
	err := s.QueryRowContext(ctx, `
		SELECT subscriber_version FROM migration_status
		ORDER BY change_date DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("latest migration version: %w", err)
	}
	return version, true, nil
}

// RowsForVersion implements migration.Store.
func (s *Store) RowsForVersion(ctx context.Context, version string) ([]migration.Row, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT subscriber_url, subscriber_version, status, change_date, message
		FROM migration_status WHERE subscriber_version = $1`, version)
	if err != nil {
		return nil, fmt.Errorf("rows for version: %w", err)
	}
	defer rows.Close()

	var out []migration.Row
	for rows.Next() {
		var r statusRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		out = append(out, r.toRow())
	}
	return out, rows.Err()
}

// ClaimSent performs the CAS of §4.6 step 5-6 inside a transaction with a
// savepoint: it claims the row for (subscriberURL, version), then checks
// whether more than one Sent row now exists for the version. If so it rolls
// back to the savepoint — undoing only the claim, not anything else a
// caller may have done earlier in a larger transaction — and reports false.
func (s *Store) ClaimSent(ctx context.Context, subscriberURL, version string, sentTimeout time.Duration) (bool, error) {
	var claimed bool
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ExecContext(ctx, `SAVEPOINT claim_sent`); err != nil {
			return fmt.Errorf("savepoint: %w", err)
		}

		res, err := s.ExecContext(ctx, `
			UPDATE migration_status
			SET status = 'Sent', change_date = now(), message = NULL
			WHERE subscriber_url = $1 AND subscriber_version = $2
			  AND (status IN ('New', 'RecoverableFailure')
			       OR (status = 'Sent' AND change_date < now() - ($3 || ' seconds')::interval))`,
			subscriberURL, version, int64(sentTimeout.Seconds()))
		if err != nil {
			return fmt.Errorf("claim sent: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			// Lost the CAS race; nothing to roll back, just report false.
			return nil
		}

		var sentCount int
		if err := s.QueryRowContext(ctx, `
			SELECT COUNT(DISTINCT subscriber_url) FROM migration_status
			WHERE subscriber_version = $1 AND status = 'Sent'`, version).Scan(&sentCount); err != nil {
			return fmt.Errorf("count sent: %w", err)
		}
		if sentCount > 1 {
			if _, err := s.ExecContext(ctx, `ROLLBACK TO SAVEPOINT claim_sent`); err != nil {
				return fmt.Errorf("rollback to savepoint: %w", err)
			}
			return nil
		}

		if _, err := s.ExecContext(ctx, `RELEASE SAVEPOINT claim_sent`); err != nil {
			return fmt.Errorf("release savepoint: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ApplyReport implements migration.Store.
func (s *Store) ApplyReport(ctx context.Context, report migration.StatusReport) error {
	status, ok := subCategoryStatus[report.SubCategory]
	if !ok {
		return fmt.Errorf("apply migration report: unknown subCategory %q", report.SubCategory)
	}

	var message any
	if report.Message != "" {
		message = report.Message
	}

	_, err := s.ExecContext(ctx, `
		INSERT INTO migration_status (subscriber_url, subscriber_version, status, change_date, message)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (subscriber_url, subscriber_version) DO UPDATE SET
			status = EXCLUDED.status,
			change_date = now(),
			message = EXCLUDED.message`,
		report.SubscriberURL, report.SubscriberVersion, status, message)
	if err != nil {
		return fmt.Errorf("apply migration report: %w", err)
	}
	return nil
}

var subCategoryStatus = map[string]string{
	"ToSent":                  string(migration.StatusSent),
	"ToDone":                  string(migration.StatusDone),
	"ToRecoverableFailure":    string(migration.StatusRecoverableFailure),
	"ToNonRecoverableFailure": string(migration.StatusNonRecoverableFailure),
}
