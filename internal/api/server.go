package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bakapiano/maimai-score-hub-sub000/internal/domain"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/logger"
	"github.com/bakapiano/maimai-score-hub-sub000/internal/scheduler"
)

// Worker exposes the scheduler surface the status API reads from.
type Worker interface {
	Stats() scheduler.Stats
	BotStatuses(ctx context.Context) ([]domain.Bot, error)
	Pause()
	Resume()
	Paused() bool
}

// Config holds status API settings.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// SetDefaults fills in zero values.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
}

// Server serves the worker status API.
type Server struct {
	cfg    Config
	worker Worker
	log    logger.Logger
	server *http.Server
}

// NewServer builds the status API server.
func NewServer(cfg Config, worker Worker, log logger.Logger) *Server {
	cfg.SetDefaults()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		worker: worker,
		log:    log,
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.POST("/pause", s.handlePause)
	router.POST("/resume", s.handleResume)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the API server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.Info("status api listening", logger.String("addr", s.cfg.ListenAddr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Bots      []domain.Bot    `json:"bots"`
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	bots, err := s.worker.BotStatuses(ctx)
	if err != nil {
		s.log.Warn("bot status fetch failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Scheduler: s.worker.Stats(),
		Bots:      bots,
	})
}

func (s *Server) handlePause(c *gin.Context) {
	s.worker.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.worker.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
