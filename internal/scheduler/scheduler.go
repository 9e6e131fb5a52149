// Package scheduler polls the job queue, claims jobs for available
// bots under a global concurrency cap, and dispatches job handlers.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/jobqueue"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// JobExecutor runs one stage of a claimed job.
type JobExecutor interface {
	Execute(ctx context.Context, job *domain.Job) error
}

// Prober is the slice of the portal client the scheduler needs for
// session health checks and friend-count reporting.
type Prober interface {
	ProbeSession(ctx context.Context, sess *session.Session) error
	FriendList(ctx context.Context, sess *session.Session) ([]portal.Friend, error)
}

// Config configures the scheduler.
type Config struct {
	// TickInterval is the claim-attempt cadence.
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	// MaxConcurrent bounds in-flight job executions.
	MaxConcurrent int `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	// HealthCheckInterval is the session probe cadence.
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	// ReportInterval is the bot status reporting cadence.
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval"`
	// ReportEndpoint receives {friendCode, available, friendCount} pushes.
	// Empty disables reporting.
	ReportEndpoint string `mapstructure:"report_endpoint" yaml:"report_endpoint"`
	// DrainTimeout bounds the wait for in-flight jobs on shutdown.
	DrainTimeout time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	InstanceID    string `json:"instanceId"`
	InFlight      int    `json:"inFlight"`
	MaxConcurrent int    `json:"maxConcurrent"`
	Paused        bool   `json:"paused"`
	ClaimAttempts int64  `json:"claimAttempts"`
	JobsDispatched int64 `json:"jobsDispatched"`
	JobsSucceeded int64  `json:"jobsSucceeded"`
	JobsFailed    int64  `json:"jobsFailed"`
}

// Scheduler is the admission-control loop over the bot pool.
// One claim attempt per tick keeps multiple scheduler instances from
// starving each other.
type Scheduler struct {
	instanceID string
	queue      jobqueue.API
	sessions   session.Store
	executor   JobExecutor
	prober     Prober
	cfg        Config
	log        logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sem bounds in-flight job executions.
	sem    chan struct{}
	paused atomic.Bool

	// rrMu guards the round-robin cursor over available bots.
	rrMu   sync.Mutex
	rrNext int

	reporter *http.Client

	claimAttempts  atomic.Int64
	jobsDispatched atomic.Int64
	jobsSucceeded  atomic.Int64
	jobsFailed     atomic.Int64
}

// New creates a scheduler.
func New(
	queue jobqueue.API,
	sessions session.Store,
	executor JobExecutor,
	prober Prober,
	cfg Config,
	log logger.Logger,
) *Scheduler {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		instanceID: uuid.NewString(),
		queue:      queue,
		sessions:   sessions,
		executor:   executor,
		prober:     prober,
		cfg:        cfg,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		reporter:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Start launches the claim loop, the session health loop, and the
// status reporting loop.
func (s *Scheduler) Start() error {
	s.log.Info("scheduler starting",
		logger.String("instance_id", s.instanceID),
		logger.Duration("tick_interval", s.cfg.TickInterval),
		logger.Int("max_concurrent", s.cfg.MaxConcurrent),
	)

	s.wg.Add(1)
	go s.claimLoop()

	s.wg.Add(1)
	go s.healthLoop()

	if s.cfg.ReportEndpoint != "" {
		s.wg.Add(1)
		go s.reportLoop()
	}
	return nil
}

// Stop drains in-flight jobs and stops all loops.
func (s *Scheduler) Stop() error {
	s.log.Info("scheduler draining")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn("scheduler drain timeout exceeded")
	}
	return nil
}

// Pause stops new claims. In-flight jobs keep running.
func (s *Scheduler) Pause() {
	s.paused.Store(true)
	s.log.Info("scheduler paused")
}

// Resume re-enables claims.
func (s *Scheduler) Resume() {
	s.paused.Store(false)
	s.log.Info("scheduler resumed")
}

// Paused reports whether claiming is paused.
func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	return Stats{
		InstanceID:     s.instanceID,
		InFlight:       len(s.sem),
		MaxConcurrent:  s.cfg.MaxConcurrent,
		Paused:         s.paused.Load(),
		ClaimAttempts:  s.claimAttempts.Load(),
		JobsDispatched: s.jobsDispatched.Load(),
		JobsSucceeded:  s.jobsSucceeded.Load(),
		JobsFailed:     s.jobsFailed.Load(),
	}
}

// claimLoop attempts at most one claim per tick.
func (s *Scheduler) claimLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims and dispatches at most one job.
func (s *Scheduler) tick() {
	if s.paused.Load() {
		return
	}

	// Reserve a slot first so a claimed job is never stranded.
	select {
	case s.sem <- struct{}{}:
	default:
		return
	}
	release := func() { <-s.sem }

	bot, ok := s.nextBot()
	if !ok {
		release()
		return
	}

	s.claimAttempts.Add(1)
	job, err := s.queue.ClaimNext(s.ctx, bot)
	if err != nil {
		release()
		s.log.Error("claim failed", logger.String("bot", bot), logger.Error(err))
		return
	}
	if job == nil {
		release()
		return
	}

	s.jobsDispatched.Add(1)
	s.log.Info("job claimed",
		logger.String("job_id", job.ID),
		logger.String("bot", bot),
		logger.String("stage", string(job.Stage)),
	)

	s.wg.Add(1)
	go func() {
		defer func() {
			release()
			s.wg.Done()
		}()
		if err := s.executor.Execute(s.ctx, job); err != nil {
			s.jobsFailed.Add(1)
			return
		}
		s.jobsSucceeded.Add(1)
	}()
}

// nextBot rotates round-robin among currently non-expired bots.
func (s *Scheduler) nextBot() (string, bool) {
	codes, err := s.sessions.ListAvailable(s.ctx)
	if err != nil {
		s.log.Error("list available bots failed", logger.Error(err))
		return "", false
	}
	if len(codes) == 0 {
		return "", false
	}
	sort.Strings(codes)

	s.rrMu.Lock()
	defer s.rrMu.Unlock()
	bot := codes[s.rrNext%len(codes)]
	s.rrNext++
	return bot, true
}

// healthLoop probes every known bot session on a fixed interval.
func (s *Scheduler) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkSessions()
		}
	}
}

// checkSessions probes each session and updates its availability.
func (s *Scheduler) checkSessions() {
	sessions, err := s.sessions.List(s.ctx)
	if err != nil {
		s.log.Error("list sessions for health check failed", logger.Error(err))
		return
	}

	for _, sess := range sessions {
		err := s.prober.ProbeSession(s.ctx, sess)
		switch {
		case err == nil:
			if markErr := s.sessions.MarkValid(s.ctx, sess.FriendCode); markErr != nil {
				s.log.Error("mark session valid failed",
					logger.String("bot", sess.FriendCode), logger.Error(markErr))
			}
		case errors.Is(err, portal.ErrSessionExpired):
			s.log.Warn("bot session expired", logger.String("bot", sess.FriendCode))
			if markErr := s.sessions.MarkExpired(s.ctx, sess.FriendCode); markErr != nil {
				s.log.Error("mark session expired failed",
					logger.String("bot", sess.FriendCode), logger.Error(markErr))
			}
		default:
			// Transient probe failure; availability unchanged.
			s.log.Warn("session probe failed",
				logger.String("bot", sess.FriendCode), logger.Error(err))
		}
	}
}

// reportLoop pushes bot availability and friend counts, best-effort.
func (s *Scheduler) reportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reportBots()
		}
	}
}

// BotStatuses builds the current bot status list, fetching live friend
// counts for available bots.
func (s *Scheduler) BotStatuses(ctx context.Context) ([]domain.Bot, error) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	bots := make([]domain.Bot, 0, len(sessions))
	for _, sess := range sessions {
		bot := domain.Bot{FriendCode: sess.FriendCode, Available: !sess.Expired}
		if bot.Available {
			friendsList, listErr := s.prober.FriendList(ctx, sess)
			if listErr != nil {
				s.log.Warn("friend count fetch failed",
					logger.String("bot", sess.FriendCode), logger.Error(listErr))
				bot.Available = false
			} else {
				bot.FriendCount = len(friendsList)
			}
		}
		bots = append(bots, bot)
	}
	return bots, nil
}

// reportBots pushes the status list to the reporting endpoint.
// Failures are logged and dropped; this side channel never blocks work.
func (s *Scheduler) reportBots() {
	bots, err := s.BotStatuses(s.ctx)
	if err != nil {
		s.log.Warn("bot status collection failed", logger.Error(err))
		return
	}

	raw, err := json.Marshal(bots)
	if err != nil {
		s.log.Warn("bot status encode failed", logger.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.ReportEndpoint, bytes.NewReader(raw))
	if err != nil {
		s.log.Warn("bot status request build failed", logger.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.reporter.Do(req)
	if err != nil {
		s.log.Warn("bot status push failed", logger.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("bot status push rejected", logger.Int("status", resp.StatusCode))
		return
	}
	s.log.Debug("bot status reported", logger.Int("bots", len(bots)))
}
