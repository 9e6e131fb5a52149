package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/api"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/apilog"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/cleanup"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/config"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/friends"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/handler"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/jobqueue"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/pagecache"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scheduler"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker",
		Long: `Claims jobs from the queue and executes them against the game
portal using the bot sessions captured by the proxy. Also runs the
periodic relationship cleanup and the status API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runWorker(cmd.Context(), cfg, log)
		},
	}
}

func runWorker(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	sessions := session.NewRedisStore(rdb)
	cache := pagecache.NewRedisCache(rdb, pagecache.DefaultTTL)

	queue, err := jobqueue.NewClient(cfg.JobQueue)
	if err != nil {
		return fmt.Errorf("job queue client: %w", err)
	}

	portalClient, err := portal.NewClient(cfg.Portal, log, nil)
	if err != nil {
		return fmt.Errorf("portal client: %w", err)
	}

	flusher := apilog.NewFlusher(cfg.Handler.APILogEndpoint, 0, log)
	newPortal := func(rec portal.Recorder) handler.Portal {
		return portalClient.WithRecorder(rec)
	}

	h := handler.New(queue, sessions, newPortal, cache, cfg.Scores, flusher, cfg.Handler, log)
	sched := scheduler.New(queue, sessions, h, portalClient, cfg.Scheduler, log)

	mgr := friends.NewManager(portalClient, log)
	sweeper := cleanup.New(queue, sessions, mgr, sched, cfg.Cleanup, log)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		_ = sched.Stop()
		return fmt.Errorf("start cleanup: %w", err)
	}

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.NewServer(cfg.API, sched, log).Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			log.Error("status api failed", logger.Error(err))
		}
		stop()
	}

	sweeper.Stop()
	if err := sched.Stop(); err != nil {
		log.Warn("scheduler drain incomplete", logger.Error(err))
	}
	log.Info("worker stopped")
	return nil
}
