package producer

import "github.com/renku-project/knowledge-graph-pipeline/internal/eventlog"

// CategoryConfig binds one of the event-stream categories (GLOSSARY) to the
// status transition its producer drives (§4.3) and the capacity ceiling
// that throttles it.
type CategoryConfig struct {
	Category         eventlog.Category
	EligibleStatuses []eventlog.Status
	ProcessingStatus eventlog.Status
	CapacityCeiling  int
}

// DefaultCategories are the data-flow categories the Producer Framework
// drives. TS_MIGRATION_REQUEST is deliberately absent: it is coordinated by
// the Migration Coordinator (C6), which does not stream per-project events.
func DefaultCategories(ceiling int) []CategoryConfig {
	generation := []eventlog.Status{eventlog.StatusNew, eventlog.StatusGenerationRecoverableFailure}
	return []CategoryConfig{
		{
			Category:         eventlog.CategoryAwaitingGeneration,
			EligibleStatuses: generation,
			ProcessingStatus: eventlog.StatusGeneratingTriples,
			CapacityCeiling:  ceiling,
		},
		{
			Category:         eventlog.CategoryCommitSync,
			EligibleStatuses: generation,
			ProcessingStatus: eventlog.StatusGeneratingTriples,
			CapacityCeiling:  ceiling,
		},
		{
			Category:         eventlog.CategoryGlobalCommitSync,
			EligibleStatuses: generation,
			ProcessingStatus: eventlog.StatusGeneratingTriples,
			CapacityCeiling:  ceiling,
		},
		{
			Category:         eventlog.CategoryMemberSync,
			EligibleStatuses: generation,
			ProcessingStatus: eventlog.StatusGeneratingTriples,
			CapacityCeiling:  ceiling,
		},
		{
			Category:         eventlog.CategoryTriplesGenerated,
			EligibleStatuses: []eventlog.Status{eventlog.StatusTriplesGenerated, eventlog.StatusTransformationRecoverableFailure},
			ProcessingStatus: eventlog.StatusTransformingTriples,
			CapacityCeiling:  ceiling,
		},
		{
			Category:         eventlog.CategoryCleanUp,
			EligibleStatuses: []eventlog.Status{eventlog.StatusAwaitingDeletion},
			ProcessingStatus: eventlog.StatusDeleting,
			CapacityCeiling:  ceiling,
		},
	}
}
