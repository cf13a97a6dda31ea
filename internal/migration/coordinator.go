// Package migration implements the Migration Coordinator (C6): an
// at-most-one-worker-per-version protocol for schema-change rollout across
// subscribers, distinct from the ambient database schema migrations in
// internal/eventlog/postgres/migrations.
package migration

import (
	"context"
	"time"
)

// Status is a migration_status row's state (§4.6).
type Status string

const (
	StatusNew                   Status = "New"
	StatusSent                  Status = "Sent"
	StatusDone                  Status = "Done"
	StatusRecoverableFailure    Status = "RecoverableFailure"
	StatusNonRecoverableFailure Status = "NonRecoverableFailure"
)

// Timeouts from §5 / §4.6.
const (
	SentStatusTimeout        = time.Minute
	RecoverableStatusTimeout = 30 * time.Second
)

// Row is one subscriber's migration status for one version.
type Row struct {
	SubscriberURL     string
	SubscriberVersion string
	Status            Status
	ChangeDate        time.Time
	Message           string
}

// StatusReport is what a subscriber POSTs back (§6 "Migration-request
// envelope").
type StatusReport struct {
	SubscriberURL     string
	SubscriberVersion string
	SubCategory       string // "ToSent" | "ToDone" | "ToRecoverableFailure" | "ToNonRecoverableFailure"
	Message           string
}

// Store is the persistence contract for the migration table.
type Store interface {
	// LatestVersion returns the subscriber_version of the row with the
	// most recent change_date, and false if the table is empty.
	LatestVersion(ctx context.Context) (string, bool, error)
	// RowsForVersion returns every row for version.
	RowsForVersion(ctx context.Context, version string) ([]Row, error)
	// ClaimSent performs the CAS of §4.6 step 5-6: it transitions the row
	// identified by (subscriberURL, version) from an eligible status to
	// Sent, conditional on the existing change_date predating now minus
	// sentTimeout when the current status is already Sent. It reports
	// false if the CAS lost the race, and also false (with no error) if,
	// after its update and before the transaction commits, more than one
	// Sent row exists for the version — in which case the implementation
	// must roll back via savepoint before returning.
	ClaimSent(ctx context.Context, subscriberURL, version string, sentTimeout time.Duration) (bool, error)
	// ApplyReport records a subscriber's status report.
	ApplyReport(ctx context.Context, report StatusReport) error
}

// Coordinator implements the selection algorithm of §4.6.
type Coordinator struct {
	store Store
}

// New constructs a Coordinator.
func New(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// NextMigration implements §4.6 steps 1-6. It returns (Row{}, false, nil)
// when there is nothing to do this tick: migration already complete,
// another worker already holds it, or the CAS lost a race. subscriberURL
// identifies the caller but plays no role in selection: step 4 picks the
// newest eligible row across every subscriber for the latest version, and
// step 5's CAS claims that row, not the caller's own.
func (c *Coordinator) NextMigration(ctx context.Context, subscriberURL string) (Row, bool, error) {
	version, ok, err := c.store.LatestVersion(ctx)
	if err != nil {
		return Row{}, false, err
	}
	if !ok {
		return Row{}, false, nil
	}

	rows, err := c.store.RowsForVersion(ctx, version)
	if err != nil {
		return Row{}, false, err
	}

	for _, r := range rows {
		if r.Status == StatusDone {
			return Row{}, false, nil
		}
	}
	for _, r := range rows {
		if r.Status == StatusSent && time.Since(r.ChangeDate) < SentStatusTimeout {
			return Row{}, false, nil
		}
	}

	var selected *Row
	for i := range rows {
		r := &rows[i]
		eligible := r.Status == StatusNew ||
			(r.Status == StatusRecoverableFailure && time.Since(r.ChangeDate) >= RecoverableStatusTimeout) ||
			(r.Status == StatusSent && time.Since(r.ChangeDate) >= SentStatusTimeout)
		if !eligible {
			continue
		}
		if selected == nil || r.ChangeDate.After(selected.ChangeDate) {
			selected = r
		}
	}
	if selected == nil {
		return Row{}, false, nil
	}

	claimed, err := c.store.ClaimSent(ctx, selected.SubscriberURL, version, SentStatusTimeout)
	if err != nil {
		return Row{}, false, err
	}
	if !claimed {
		return Row{}, false, nil
	}

	selected.Status = StatusSent
	selected.ChangeDate = time.Now()
	return *selected, true, nil
}

// ApplyReport forwards a subscriber's status report to storage.
func (c *Coordinator) ApplyReport(ctx context.Context, report StatusReport) error {
	return c.store.ApplyReport(ctx, report)
}
