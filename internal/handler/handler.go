// Package handler drives one claimed job through its stage state
// machine, one stage transition (or sub-step) per invocation.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/apilog"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/friends"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/jobqueue"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/pagecache"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scores"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// Portal combines the portal operations the handler's collaborators use.
type Portal interface {
	friends.PortalOps
	scores.Fetcher
}

// PortalFactory yields a portal bound to a per-job diagnostics recorder.
type PortalFactory func(rec portal.Recorder) Portal

// Config configures job handling.
type Config struct {
	// WaitAcceptanceBound is the wall-clock bound, measured from pick
	// time, for the target to accept the friend request.
	WaitAcceptanceBound time.Duration `mapstructure:"wait_acceptance_bound" yaml:"wait_acceptance_bound"`
	// HeartbeatInterval is how often an executing job touches updatedAt.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// SkipFriendCleanup disables relationship cleanup around jobs.
	// Deployment knob for bot accounts whose relationships are managed
	// externally.
	SkipFriendCleanup bool `mapstructure:"skip_friend_cleanup" yaml:"skip_friend_cleanup"`
	// APILogEndpoint receives per-job portal call logs after each
	// stage. Empty disables flushing.
	APILogEndpoint string `mapstructure:"api_log_endpoint" yaml:"api_log_endpoint"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.WaitAcceptanceBound <= 0 {
		c.WaitAcceptanceBound = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// Handler executes one stage of a claimed job per invocation.
type Handler struct {
	queue     jobqueue.API
	sessions  session.Store
	newPortal PortalFactory
	cache     pagecache.Cache
	aggCfg    scores.Config
	flusher   *apilog.Flusher
	cfg       Config
	log       logger.Logger
}

// New creates a job handler.
func New(
	queue jobqueue.API,
	sessions session.Store,
	newPortal PortalFactory,
	cache pagecache.Cache,
	aggCfg scores.Config,
	flusher *apilog.Flusher,
	cfg Config,
	log logger.Logger,
) *Handler {
	cfg.SetDefaults()
	return &Handler{
		queue:     queue,
		sessions:  sessions,
		newPortal: newPortal,
		cache:     cache,
		aggCfg:    aggCfg,
		flusher:   flusher,
		cfg:       cfg,
		log:       log,
	}
}

// Execute runs the job's current stage. A session-expiry signal never
// mutates the job: the bot is marked expired and the job remains
// claimable by another bot. Any other error marks the job failed with
// the error text attached. The executing flag is always cleared, even
// on unexpected failure.
func (h *Handler) Execute(ctx context.Context, job *domain.Job) error {
	log := h.log.With(
		logger.String("job_id", job.ID),
		logger.String("stage", string(job.Stage)),
		logger.String("bot", job.BotFriendCode),
		logger.String("target", job.FriendCode),
	)

	recorder := apilog.NewRecorder(job.ID)

	// The claim set executing=true, so the release must cover every exit
	// path from here on, including a failed session load.
	stopHeartbeat := h.startHeartbeat(ctx, job.ID)
	defer func() {
		stopHeartbeat()
		h.clearExecuting(job.ID)
		if h.flusher != nil {
			go h.flusher.Flush(context.Background(), recorder)
		}
	}()

	sess, err := h.sessions.Get(ctx, job.BotFriendCode)
	if err != nil {
		// No session at all: release the job untouched, nothing to mark.
		return fmt.Errorf("load session for bot %s: %w", job.BotFriendCode, err)
	}

	p := h.newPortal(recorder)
	mgr := friends.NewManager(p, log)

	stageErr := h.runStage(ctx, log, p, mgr, sess, job)
	if stageErr == nil {
		return nil
	}

	if errors.Is(stageErr, portal.ErrSessionExpired) {
		log.Warn("session expired during stage, releasing job")
		if markErr := h.sessions.MarkExpired(ctx, job.BotFriendCode); markErr != nil {
			log.Error("failed to mark bot session expired", logger.Error(markErr))
		}
		return nil
	}

	log.Error("stage failed", logger.Error(stageErr))
	h.failJob(ctx, job.ID, stageErr)
	return stageErr
}

// runStage dispatches to the job's current stage.
func (h *Handler) runStage(
	ctx context.Context,
	log logger.Logger,
	p Portal,
	mgr *friends.Manager,
	sess *session.Session,
	job *domain.Job,
) error {
	switch job.Stage {
	case domain.StageSendRequest:
		return h.runSendRequest(ctx, log, mgr, sess, job)
	case domain.StageWaitAcceptance:
		return h.runWaitAcceptance(ctx, log, mgr, sess, job)
	case domain.StageUpdateScore:
		return h.runUpdateScore(ctx, log, p, mgr, sess, job)
	default:
		return fmt.Errorf("unknown job stage %q", job.Stage)
	}
}

// runSendRequest clears any stale relationship, sends a fresh friend
// request, confirms it, and advances to wait_acceptance.
func (h *Handler) runSendRequest(
	ctx context.Context,
	log logger.Logger,
	mgr *friends.Manager,
	sess *session.Session,
	job *domain.Job,
) error {
	if !h.cfg.SkipFriendCleanup {
		if err := mgr.ClearRelationship(ctx, sess, job.FriendCode); err != nil {
			return fmt.Errorf("clear stale relationship: %w", err)
		}
	}

	sentAt, err := mgr.SendRequest(ctx, sess, job.FriendCode)
	if err != nil {
		return err
	}

	if _, err := h.queue.Patch(ctx, job.ID, map[string]any{
		"stage":         domain.StageWaitAcceptance,
		"requestSentAt": sentAt,
	}); err != nil {
		return fmt.Errorf("advance to wait_acceptance: %w", err)
	}
	log.Info("friend request sent", logger.Time("sent_at", sentAt))
	return nil
}

// runWaitAcceptance checks for friendship, enforcing the wall-clock
// wait bound measured from pick time. No-ops when still waiting.
func (h *Handler) runWaitAcceptance(
	ctx context.Context,
	log logger.Logger,
	mgr *friends.Manager,
	sess *session.Session,
	job *domain.Job,
) error {
	accepted, err := mgr.AcceptIfPending(ctx, sess, job.FriendCode)
	if err != nil {
		return fmt.Errorf("accept reciprocal request: %w", err)
	}
	if accepted {
		log.Info("accepted reciprocal friend request")
	}

	isFriend, err := mgr.IsFriend(ctx, sess, job.FriendCode)
	if err != nil {
		return fmt.Errorf("check friendship: %w", err)
	}
	if isFriend {
		if _, err := h.queue.Patch(ctx, job.ID, map[string]any{
			"stage": domain.StageUpdateScore,
		}); err != nil {
			return fmt.Errorf("advance to update_score: %w", err)
		}
		log.Info("friendship established")
		return nil
	}

	hasSent, err := mgr.HasSentRequest(ctx, sess, job.FriendCode)
	if err != nil {
		return fmt.Errorf("check sent request: %w", err)
	}
	if !hasSent {
		return fmt.Errorf("friend request to %s was rejected or removed", job.FriendCode)
	}

	if time.Since(job.Picked()) > h.cfg.WaitAcceptanceBound {
		if cancelErr := mgr.CancelRequest(ctx, sess, job.FriendCode); cancelErr != nil {
			log.Warn("failed to cancel timed-out request", logger.Error(cancelErr))
		}
		return fmt.Errorf("timed out waiting for %s to accept the friend request", job.FriendCode)
	}

	// Still waiting; the next poll re-enters this stage.
	return nil
}

// runUpdateScore aggregates scores and completes the job.
func (h *Handler) runUpdateScore(
	ctx context.Context,
	log logger.Logger,
	p Portal,
	mgr *friends.Manager,
	sess *session.Session,
	job *domain.Job,
) error {
	if job.SkipScoreUpdate {
		return h.completeJob(ctx, log, mgr, sess, job, nil, 0)
	}

	if job.Progress == nil || job.Progress.TotalDiffs != domain.TotalDifficulties {
		if _, err := h.queue.Patch(ctx, job.ID, map[string]any{
			"scoreProgress": domain.ScoreProgress{
				CompletedDiffs: []int{},
				TotalDiffs:     domain.TotalDifficulties,
			},
		}); err != nil {
			return fmt.Errorf("initialize score progress: %w", err)
		}
	}

	agg := scores.NewAggregator(p, h.cache, h.aggCfg, log)
	started := time.Now()
	result, err := agg.Aggregate(ctx, sess, job.ID, job.FriendCode, func(ctx context.Context, diff int) error {
		return h.queue.AppendCompletedDiff(ctx, job.ID, diff)
	})
	if err != nil {
		return err
	}

	return h.completeJob(ctx, log, mgr, sess, job, result, time.Since(started))
}

// completeJob marks the job completed and fires the detached best-effort
// relationship cleanup; cleanup never gates completion.
func (h *Handler) completeJob(
	ctx context.Context,
	log logger.Logger,
	mgr *friends.Manager,
	sess *session.Session,
	job *domain.Job,
	result domain.ScoreResult,
	duration time.Duration,
) error {
	fields := map[string]any{
		"status": domain.JobStatusCompleted,
	}
	if result != nil {
		fields["result"] = result
		fields["updateScoreDuration"] = duration.Seconds()
	}
	if _, err := h.queue.Patch(ctx, job.ID, fields); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	log.Info("job completed", logger.Duration("update_score_duration", duration))

	h.dropJobCache(job.ID)

	if !h.cfg.SkipFriendCleanup {
		go func() {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := mgr.ClearRelationship(cleanupCtx, sess, job.FriendCode); err != nil {
				log.Warn("post-completion relationship cleanup failed", logger.Error(err))
			}
		}()
	}
	return nil
}

// failJob marks the job failed with the error text. The stage is left
// as-is so the failure is attributable to where it happened.
func (h *Handler) failJob(ctx context.Context, jobID string, cause error) {
	patchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := h.queue.Patch(patchCtx, jobID, map[string]any{
		"status": domain.JobStatusFailed,
		"error":  cause.Error(),
	}); err != nil {
		h.log.Error("failed to mark job failed",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
	}
	h.dropJobCache(jobID)
}

// dropJobCache eagerly removes cached pages once the job is terminal.
func (h *Handler) dropJobCache(jobID string) {
	cacheCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.cache.DeleteJob(cacheCtx, jobID); err != nil {
		h.log.Warn("failed to drop job page cache",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
	}
}

// clearExecuting releases the job's mutual-exclusion flag. Runs with a
// fresh context so cancellation cannot strand the flag.
func (h *Handler) clearExecuting(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := h.queue.Patch(ctx, jobID, map[string]any{"executing": false}); err != nil {
		h.log.Error("failed to clear executing flag",
			logger.String("job_id", jobID),
			logger.Error(err),
		)
	}
}

// startHeartbeat patches the job on a fixed interval while executing so
// stale-job reclamation sees liveness. The returned stop function blocks
// until the goroutine has exited: an in-flight executing=true patch must
// never land after the deferred clear.
func (h *Handler) startHeartbeat(ctx context.Context, jobID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := h.queue.Patch(ctx, jobID, map[string]any{"executing": true}); err != nil {
					h.log.Warn("job heartbeat failed",
						logger.String("job_id", jobID),
						logger.Error(err),
					)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}
