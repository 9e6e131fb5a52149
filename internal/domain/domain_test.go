package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, domain.JobStatusQueued.IsTerminal())
	assert.False(t, domain.JobStatusProcessing.IsTerminal())
	assert.True(t, domain.JobStatusCompleted.IsTerminal())
	assert.True(t, domain.JobStatusFailed.IsTerminal())
	assert.True(t, domain.JobStatusCanceled.IsTerminal())
}

func TestJob_Picked(t *testing.T) {
	t.Parallel()

	var job domain.Job
	assert.True(t, job.Picked().IsZero())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job.PickedAt = &ts
	assert.Equal(t, ts, job.Picked())
}

func TestScoreResult_Entry(t *testing.T) {
	t.Parallel()

	result := make(domain.ScoreResult)

	entry := result.Entry("POPS", domain.ChartDeluxe, "Song", 3)
	entry.Score = "99.5%"

	// Same coordinates return the same entry.
	again := result.Entry("POPS", domain.ChartDeluxe, "Song", 3)
	assert.Equal(t, "99.5%", again.Score)

	// Different chart type of the same song is a separate entry.
	other := result.Entry("POPS", domain.ChartStandard, "Song", 3)
	assert.Empty(t, other.Score)
}

func TestScoreKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "achievement", domain.KindAchievement.String())
	assert.Equal(t, "dxscore", domain.KindDXScore.String())
}
