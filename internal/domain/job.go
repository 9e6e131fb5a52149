// Package domain provides the domain models shared across the score hub engine.
package domain

import (
	"time"
)

// JobStatus represents the lifecycle status of a job.
type JobStatus string

const (
	// JobStatusQueued means the job is waiting to be claimed.
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing means a worker has claimed the job.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted means the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means the job terminated with an error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled means the job was canceled externally.
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal reports whether the status is a terminal state.
// A job in a terminal state never mutates again except cache cleanup.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// JobStage represents the current workflow step within a job.
// Stages only advance forward, except that a wait-acceptance timeout
// re-enters send_request via cancellation.
type JobStage string

const (
	// StageSendRequest sends a friend request to the target player.
	StageSendRequest JobStage = "send_request"
	// StageWaitAcceptance waits for the target to accept the request.
	StageWaitAcceptance JobStage = "wait_acceptance"
	// StageUpdateScore scrapes and aggregates the target's scores.
	StageUpdateScore JobStage = "update_score"
)

// JobType distinguishes user-triggered jobs from scheduler-driven idle jobs.
type JobType string

const (
	// JobTypeImmediate is a user-triggered job running the full stage sequence.
	JobTypeImmediate JobType = "immediate"
	// JobTypeIdleAddFriend establishes the friendship during a low-traffic window.
	JobTypeIdleAddFriend JobType = "idle_add_friend"
	// JobTypeIdleUpdateScore refreshes scores for an already-befriended target.
	// The bot is preassigned and the job jumps directly to update_score.
	JobTypeIdleUpdateScore JobType = "idle_update_score"
)

// ScoreProgress tracks partial completion of the score update stage.
// CompletedDiffs only ever grows for a given job.
type ScoreProgress struct {
	CompletedDiffs []int `json:"completedDiffs"`
	TotalDiffs     int   `json:"totalDiffs"`
}

// Job is the unit of work driven through the stage state machine.
// Jobs are mutated exclusively through the job queue API's atomic
// claim/patch operations.
type Job struct {
	ID              string         `json:"id"`
	FriendCode      string         `json:"friendCode"`
	BotFriendCode   string         `json:"botFriendCode,omitempty"`
	SkipScoreUpdate bool           `json:"skipScoreUpdate"`
	Type            JobType        `json:"jobType"`
	Status          JobStatus      `json:"status"`
	Stage           JobStage       `json:"stage"`
	Executing       bool           `json:"executing"`
	Progress        *ScoreProgress `json:"scoreProgress,omitempty"`
	Result          ScoreResult    `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`

	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	PickedAt            *time.Time `json:"pickedAt,omitempty"`
	RequestSentAt       *time.Time `json:"requestSentAt,omitempty"`
	UpdateScoreDuration float64    `json:"updateScoreDuration,omitempty"`
}

// Picked returns the pick time, or the zero time when the job was never picked.
func (j *Job) Picked() time.Time {
	if j.PickedAt == nil {
		return time.Time{}
	}
	return *j.PickedAt
}
