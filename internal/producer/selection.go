package producer

import (
	"math"
	"math/rand"
	"time"

	"github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"
)

// candidate is a project eligible for pickup in one tick, with the
// information selection needs beyond the event itself (§4.3 steps 1-3).
type candidate struct {
	event     eventlog.Event
	occupancy int
}

// selectCandidate implements the weighted-random prioritisation of §4.3.
// events is the full eligible set for the category (already filtered by
// status and execution_date); perProjectOccupancy maps project_id to how
// many of its events are already in the category's processing status.
//
// Per project only the most recent eligible event is considered, and a
// project is dropped entirely if a strictly-later event already sits in a
// later status (causality: §4.3 step 1).
func selectCandidate(events []eventlog.Event, laterStatusExists func(projectID int64, after time.Time) bool, perProjectOccupancy map[int64]int, rng *rand.Rand) (eventlog.Event, bool) {
	latest := make(map[int64]eventlog.Event)
	for _, e := range events {
		cur, ok := latest[e.ProjectID]
		if !ok || e.EventDate.After(cur.EventDate) {
			latest[e.ProjectID] = e
		}
	}

	var candidates []candidate
	now := time.Now()
	var oldest, newest time.Time
	for pid, e := range latest {
		if laterStatusExists(pid, e.EventDate) {
			continue
		}
		c := candidate{event: e, occupancy: perProjectOccupancy[pid]}
		candidates = append(candidates, c)
		if oldest.IsZero() || e.EventDate.Before(oldest) {
			oldest = e.EventDate
		}
		if newest.IsZero() || e.EventDate.After(newest) {
			newest = e.EventDate
		}
	}
	if len(candidates) == 0 {
		return eventlog.Event{}, false
	}

	span := newest.Sub(oldest).Seconds()
	weighted := make([]eventlog.Event, 0, len(candidates)*10)
	for _, c := range candidates {
		p := priority(c, oldest, span, now)
		n := int(math.Round(p * 10))
		if n < 1 {
			n = 1 // every eligible candidate gets at least one shot per tick
		}
		for i := 0; i < n; i++ {
			weighted = append(weighted, c.event)
		}
	}

	return weighted[rng.Intn(len(weighted))], true
}

// priority combines recency of the project's latest eligible event with
// the inverse of its current occupancy, each in [0,1], averaged (§4.3
// step 3). Recency is relative to the oldest/newest eligible event in this
// tick's batch so the scale is stable regardless of absolute clock time.
func priority(c candidate, oldest time.Time, span float64, now time.Time) float64 {
	recency := 1.0
	if span > 0 {
		recency = c.event.EventDate.Sub(oldest).Seconds() / span
	}
	occupancyScore := 1.0 / float64(1+c.occupancy)
	_ = now
	return (recency + occupancyScore) / 2
}
