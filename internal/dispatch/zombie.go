package dispatch

import (
	"context"
	"time"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
)

// ZombieReaper periodically rolls back events stuck in a processing
// status with no live delivery (§4.4 "Zombie Recovery").
type ZombieReaper struct {
	store Store
	events eventlog.Store
	log   *logger.Logger
	grace time.Duration
}

// NewZombieReaper constructs a reaper. grace is how stale execution_date
// must be before an otherwise-healthy-looking delivery is still swept
// (§4.4 "execution_date is older than a configured grace period").
func NewZombieReaper(store Store, events eventlog.Store, log *logger.Logger, grace time.Duration) *ZombieReaper {
	return &ZombieReaper{store: store, events: events, log: log, grace: grace}
}

// Sweep runs one pass. The update is conditional on the event's message
// not already being the zombie sentinel, so a repeated sweep before the
// producer reclaims the event is a no-op rather than a repeated rollback.
func (z *ZombieReaper) Sweep(ctx context.Context) {
	zombies, err := z.store.FindZombies(ctx, z.grace)
	if err != nil {
		z.log.WithField("error", err).Warn("zombie reaper: scan failed")
		return
	}

	for _, event := range zombies {
		if event.Message == eventlog.ZombieMessage {
			continue
		}
		predecessor, err := eventlog.PredecessorOfProcessing(event.Status)
		if err != nil {
			z.log.WithField("event_id", event.EventID).WithField("status", event.Status).
				Warn("zombie reaper: not a processing status, skipping")
			continue
		}
		msg := eventlog.ZombieMessage
		outcome, err := z.events.UpdateStatus(ctx, event.EventID, event.ProjectID,
			[]eventlog.Status{event.Status}, predecessor, eventlog.Mutations{
				Message:        &msg,
				DeleteDelivery: true,
			})
		if err != nil {
			z.log.WithField("event_id", event.EventID).WithField("error", err).Warn("zombie reaper: rollback failed")
			continue
		}
		if outcome == eventlog.UpdateApplied {
			z.log.WithField("event_id", event.EventID).WithField("project_id", event.ProjectID).
				Info("zombie reaper: recovered stalled event")
		}
	}
}

// Run ticks Sweep every interval until ctx is cancelled.
func (z *ZombieReaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			z.Sweep(ctx)
		}
	}
}
