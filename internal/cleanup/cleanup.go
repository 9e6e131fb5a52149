// Package cleanup periodically reconciles each bot's portal-side
// relationships against the set of friend codes with an active job or
// an idle-update opt-in, removing everything else.
package cleanup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/friends"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/jobqueue"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

// Pauser lets the sweep pause job claiming so it cannot race a job's
// own relationship setup.
type Pauser interface {
	Pause()
	Resume()
}

// Config configures the cleanup service.
type Config struct {
	// Schedule is a cron expression for the sweep cadence.
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
	// RunTimeout bounds one full sweep.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Schedule == "" {
		c.Schedule = "*/15 * * * *"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Minute
	}
}

// Service runs the relationship sweep on a fixed schedule.
type Service struct {
	queue    jobqueue.API
	sessions session.Store
	mgr      *friends.Manager
	pauser   Pauser
	cfg      Config
	log      logger.Logger

	cron    *cron.Cron
	running atomic.Bool
}

// New creates a cleanup service.
func New(
	queue jobqueue.API,
	sessions session.Store,
	mgr *friends.Manager,
	pauser Pauser,
	cfg Config,
	log logger.Logger,
) *Service {
	cfg.SetDefaults()
	return &Service{
		queue:    queue,
		sessions: sessions,
		mgr:      mgr,
		pauser:   pauser,
		cfg:      cfg,
		log:      log,
		cron:     cron.New(),
	}
}

// Start registers the sweep on the cron schedule and starts it.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		s.Run(ctx)
	}); err != nil {
		return fmt.Errorf("register cleanup schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.log.Info("cleanup service started", logger.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("cleanup service stopped")
}

// Run executes one sweep. Concurrent runs are suppressed by the
// running flag; claiming is paused for the duration of the sweep.
func (s *Service) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Debug("cleanup already running, skipping")
		return
	}
	defer s.running.Store(false)

	s.pauser.Pause()
	defer s.pauser.Resume()

	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.log.Error("cleanup: list sessions failed", logger.Error(err))
		return
	}

	for _, sess := range sessions {
		if sess.Expired {
			continue
		}
		if err := s.cleanBot(ctx, sess); err != nil {
			s.log.Error("cleanup failed for bot",
				logger.String("bot", sess.FriendCode),
				logger.Error(err),
			)
		}
	}
}

// cleanBot reconciles one bot's relationships against its protected set.
func (s *Service) cleanBot(ctx context.Context, sess *session.Session) error {
	protected, err := s.protectedCodes(ctx, sess.FriendCode)
	if err != nil {
		return err
	}
	return s.mgr.Cleanup(ctx, sess, protected)
}

// protectedCodes returns the friend codes that must keep their
// relationship with the bot: live jobs plus idle-update opt-ins.
func (s *Service) protectedCodes(ctx context.Context, botCode string) (map[string]struct{}, error) {
	active, err := s.queue.ListActiveFriendCodes(ctx, botCode)
	if err != nil {
		return nil, fmt.Errorf("list active friend codes: %w", err)
	}
	idle, err := s.queue.ListIdleUpdateFriendCodes(ctx, botCode)
	if err != nil {
		return nil, fmt.Errorf("list idle update friend codes: %w", err)
	}

	protected := make(map[string]struct{}, len(active)+len(idle))
	for _, code := range active {
		protected[code] = struct{}{}
	}
	for _, code := range idle {
		protected[code] = struct{}{}
	}
	return protected, nil
}
