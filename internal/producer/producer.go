// Package producer implements the Producer Framework (C3): for each event
// category it periodically selects an eligible event, claims it via CAS,
// and hands it to the dispatcher.
package producer

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/logger"
	"github.com/renku-project/knowledge-graph-pipeline/pkg/pgnotify"
)

// Dispatcher is the handoff point into the Subscriber Registry & Dispatch
// component (C4). Producer only claims the event; Dispatch owns delivery,
// retries, and rollback on a failed POST.
type Dispatcher interface {
	Dispatch(ctx context.Context, event eventlog.Event) error
}

// scanWindow bounds how many candidate events a single tick considers
// before running the weighted-random pick, so a backlog never makes one
// tick scan the entire table.
const scanWindow = 500

// Producer drives one category's selection loop (§4.3).
type Producer struct {
	cfg    CategoryConfig
	store  eventlog.Store
	dispatcher Dispatcher
	log    *logger.Logger
	rng    *rand.Rand
	gauge  prometheus.Gauge
}

// New constructs a Producer for cfg. gauge, if non-nil, is set to the
// category's current occupancy on every tick (§11 observability).
func New(cfg CategoryConfig, store eventlog.Store, dispatcher Dispatcher, log *logger.Logger, gauge prometheus.Gauge) *Producer {
	return &Producer{
		cfg:   cfg,
		store: store,
		dispatcher: dispatcher,
		log:   log,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		gauge: gauge,
	}
}

// Tick runs one selection-and-claim pass (§4.3 steps 1-5). It never
// returns an error to the caller: transient failures are logged and left
// for the next tick, matching the producer failure model.
func (p *Producer) Tick(ctx context.Context) {
	occupied, err := p.store.FindEventByStatus(ctx, p.cfg.Category, []eventlog.Status{p.cfg.ProcessingStatus}, farFuture(), p.cfg.CapacityCeiling+1)
	if err != nil {
		p.log.WithField("category", p.cfg.Category).WithField("error", err).Warn("producer: capacity query failed")
		return
	}
	if p.gauge != nil {
		p.gauge.Set(float64(len(occupied)))
	}
	if p.cfg.CapacityCeiling > 0 && len(occupied) >= p.cfg.CapacityCeiling {
		p.log.WithField("category", p.cfg.Category).Debug("producer: at capacity, skipping tick")
		return
	}

	candidates, err := p.store.FindEventByStatus(ctx, p.cfg.Category, p.cfg.EligibleStatuses, time.Now(), scanWindow)
	if err != nil {
		p.log.WithField("category", p.cfg.Category).WithField("error", err).Warn("producer: selection query failed")
		return
	}
	if len(candidates) == 0 {
		return
	}

	occupancy := make(map[int64]int)
	projectEventsCache := make(map[int64][]eventlog.Event)
	laterExists := func(projectID int64, after time.Time) bool {
		events, ok := projectEventsCache[projectID]
		if !ok {
			events, err = p.store.FindProjectEvents(ctx, projectID)
			if err != nil {
				p.log.WithField("project_id", projectID).WithField("error", err).Warn("producer: project lookup failed")
				events = nil
			}
			projectEventsCache[projectID] = events
		}
		laterStatus := false
		for _, e := range events {
			if e.Status == p.cfg.ProcessingStatus {
				occupancy[projectID]++
			}
			if e.EventDate.After(after) && !isEarlyStatus(e.Status, p.cfg.ProcessingStatus) {
				laterStatus = true
			}
		}
		return laterStatus
	}

	chosen, ok := selectCandidate(candidates, laterExists, occupancy, p.rng)
	if !ok {
		return
	}

	outcome, err := p.store.UpdateStatus(ctx, chosen.EventID, chosen.ProjectID, p.cfg.EligibleStatuses, p.cfg.ProcessingStatus, eventlog.Mutations{})
	if err != nil {
		p.log.WithField("event_id", chosen.EventID).WithField("project_id", chosen.ProjectID).WithField("error", err).Warn("producer: claim failed")
		return
	}
	if outcome != eventlog.UpdateApplied {
		p.log.WithField("event_id", chosen.EventID).WithField("outcome", outcome).Debug("producer: lost the claim race")
		return
	}
	chosen.Status = p.cfg.ProcessingStatus

	p.log.WithField("event_id", chosen.EventID).
		WithField("project_id", chosen.ProjectID).
		WithField("category", p.cfg.Category).
		Info("producer: claimed event")

	if err := p.dispatcher.Dispatch(ctx, chosen); err != nil {
		p.log.WithField("event_id", chosen.EventID).WithField("error", err).Warn("producer: dispatch handoff failed")
	}
}

// isEarlyStatus reports whether status is still at-or-before the
// processing stage processingStatus targets, i.e. it would not block
// causality (§4.3 step 1: "no strictly-later event already in a later
// status").
func isEarlyStatus(status, processingStatus eventlog.Status) bool {
	switch processingStatus {
	case eventlog.StatusGeneratingTriples:
		return status == eventlog.StatusNew || status == eventlog.StatusGenerationRecoverableFailure || status == eventlog.StatusGeneratingTriples
	case eventlog.StatusTransformingTriples:
		return status == eventlog.StatusTriplesGenerated || status == eventlog.StatusTransformationRecoverableFailure || status == eventlog.StatusTransformingTriples
	default:
		return true
	}
}

func farFuture() time.Time {
	return time.Now().Add(100 * 365 * 24 * time.Hour)
}

// Category reports which event category this producer drives, so a
// Scheduler can route a pgnotify wake-up to the right producer.
func (p *Producer) Category() eventlog.Category { return p.cfg.Category }

// Scheduler runs a Producer for every configured category on its own
// cron-driven tick. Each tick runs with context.Background().
type Scheduler struct {
	cron      *cron.Cron
	producers []*Producer
}

// NewScheduler builds a scheduler that ticks every producer at interval.
func NewScheduler(producers []*Producer, interval time.Duration) *Scheduler {
	c := cron.New(cron.WithSeconds())
	s := &Scheduler{cron: c, producers: producers}
	spec := "@every " + interval.String()
	for _, p := range producers {
		p := p
		_, _ = c.AddFunc(spec, func() {
			p.Tick(context.Background())
		})
	}
	return s
}

// wakeupChannel is the pg_notify channel eventlog/postgres.Store publishes
// on when a write makes an event pickable (mirrors
// eventlog/postgres.NotifyChannel; not imported directly to avoid a
// producer -> postgres-adapter dependency).
const wakeupChannel = "event_log_pickup"

type wakeupPayload struct {
	Category eventlog.Category `json:"category"`
}

// SubscribeWakeups has every producer react immediately to a pg_notify
// wake-up for its category instead of waiting for the next cron tick,
// cutting pickup latency down from the poll interval to near-zero. Safe
// to call with a nil bus (no-op), for deployments that prefer poll-only
// scheduling.
func (s *Scheduler) SubscribeWakeups(bus *pgnotify.Bus) error {
	if bus == nil {
		return nil
	}
	return bus.Subscribe(wakeupChannel, func(ctx context.Context, event pgnotify.Event) error {
		var payload wakeupPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil
		}
		for _, p := range s.producers {
			if p.Category() == payload.Category {
				p.Tick(ctx)
			}
		}
		return nil
	})
}

// Start begins ticking in the background. Call Shutdown to stop it.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops the cron scheduler and waits for in-flight ticks to
// finish.
func (s *Scheduler) Shutdown(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}
