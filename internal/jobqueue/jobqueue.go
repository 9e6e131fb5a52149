// Package jobqueue is the client of the external job queue API, the
// durable store of job records with atomic claim/patch operations.
package jobqueue

import (
	"context"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
)

// API is the job queue contract consumed by the scheduler and handler.
// Claim is atomic on the server side: two scheduler instances can never
// claim the same job.
type API interface {
	// ClaimNext atomically claims the next job pre-assigned to or
	// unassigned for the bot. Returns (nil, nil) when nothing is claimable.
	ClaimNext(ctx context.Context, botCode string) (*domain.Job, error)
	// Patch applies a partial update and returns the updated job.
	Patch(ctx context.Context, jobID string, fields map[string]any) (*domain.Job, error)
	// AppendCompletedDiff adds one difficulty to the job's completed set.
	// The operation is additive and idempotent so concurrent completion
	// notifications cannot lose updates.
	AppendCompletedDiff(ctx context.Context, jobID string, diff int) error
	// Get fetches one job by id.
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	// ListActiveFriendCodes returns target codes with a live job on the bot.
	ListActiveFriendCodes(ctx context.Context, botCode string) ([]string, error)
	// ListIdleUpdateFriendCodes returns target codes opted into idle updates
	// on the bot.
	ListIdleUpdateFriendCodes(ctx context.Context, botCode string) ([]string, error)
}
