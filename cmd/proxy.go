package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/capture"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/portal"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/session"
)

func proxyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "proxy",
		Short: "Run the session-capture proxy",
		Long: `Runs the forward proxy bot accounts log in through. It tunnels
allow-listed hosts, intercepts the auth callback, performs the
authorization exchange itself, and stores the captured session for the
worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
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

			exchanger, err := capture.NewExchanger(
				cfg.Portal.BaseURL,
				cfg.Portal.UserAgent,
				cfg.Capture.ExchangeTimeout,
			)
			if err != nil {
				return fmt.Errorf("exchanger: %w", err)
			}

			portalClient, err := portal.NewClient(cfg.Portal, log, nil)
			if err != nil {
				return fmt.Errorf("portal client: %w", err)
			}

			proxy, err := capture.NewProxy(
				cfg.Capture,
				exchanger,
				capture.NewPortalResolver(portalClient),
				session.NewRedisStore(rdb),
				log,
			)
			if err != nil {
				return fmt.Errorf("capture proxy: %w", err)
			}
			return proxy.ListenAndServe(ctx)
		},
	}
}
