package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatusesKnownTransitions(t *testing.T) {
	statuses, ok := FromStatuses(SubCategoryToGeneratingTriples)
	require.True(t, ok)
	assert.ElementsMatch(t, []Status{StatusNew, StatusGenerationRecoverableFailure}, statuses)
}

func TestTargetStatusUnknownSubCategory(t *testing.T) {
	_, err := TargetStatus(SubCategory("bogus"))
	assert.Error(t, err)
}

func TestPredecessorOfProcessing(t *testing.T) {
	pred, err := PredecessorOfProcessing(StatusGeneratingTriples)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, pred)

	pred, err = PredecessorOfProcessing(StatusTransformingTriples)
	require.NoError(t, err)
	assert.Equal(t, StatusTriplesGenerated, pred)

	_, err = PredecessorOfProcessing(StatusNew)
	assert.Error(t, err)
}

func TestRecoverableFailureDelaySilentVsLoud(t *testing.T) {
	assert.Equal(t, 5*time.Minute, RecoverableFailureDelay(SubCategoryToTransformationRecoverableFailure, false))
	assert.Equal(t, time.Hour, RecoverableFailureDelay(SubCategoryToTransformationRecoverableFailure, true))
	assert.Equal(t, 5*time.Minute, RecoverableFailureDelay(SubCategoryToGenerationRecoverableFailure, true))
}

func TestClampEventDateClampsFuture(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	clamped := ClampEventDate(future, now)
	assert.Equal(t, now.Add(24*time.Hour), clamped)
}

func TestClampEventDateLeavesPastAlone(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	assert.Equal(t, past, ClampEventDate(past, now))
}

func TestShouldResetToNewOnUpsert(t *testing.T) {
	assert.True(t, ShouldResetToNewOnUpsert(StatusSkipped))
	assert.True(t, ShouldResetToNewOnUpsert(StatusNew))
	assert.True(t, ShouldResetToNewOnUpsert(StatusGenerationRecoverableFailure))
	assert.False(t, ShouldResetToNewOnUpsert(StatusTriplesGenerated))
}

func TestPayloadAndMessageInvariants(t *testing.T) {
	assert.True(t, RequiresPayload(StatusTriplesGenerated))
	assert.True(t, RequiresPayload(StatusTransformingTriples))
	assert.False(t, RequiresPayload(StatusNew))

	assert.True(t, RequiresMessage(StatusGenerationRecoverableFailure))
	assert.False(t, RequiresMessage(StatusTriplesStore))
}
