// Package httpapi serves the read-only status API: health, tasks, stats
// and a metrics snapshot.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/reminder"
	"github.com/stellarlinkco/cabot/internal/store"
	"github.com/stellarlinkco/cabot/internal/task"
)

// Store is the read-only persistence the API exposes.
type Store interface {
	Ping(ctx context.Context) error
	ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error)
	GetTask(ctx context.Context, id task.ID) (*task.Task, error)
	TaskEvents(ctx context.Context, id task.ID) ([]task.Event, error)
	TaskStats(ctx context.Context, f store.TaskFilter, now time.Time) (store.Stats, error)
	CountPrincipals(ctx context.Context) (map[task.Role]int, error)
}

// Snapshotter reads the current metric values.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[string]float64, error)
}

// CycleReporter exposes the outcome of the latest reminder cycle.
type CycleReporter interface {
	LastCycle() reminder.CycleResult
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         18790,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Deps are the collaborators behind the routes. Metrics and Reminders may be nil.
type Deps struct {
	Store     Store
	Metrics   Snapshotter
	Reminders CycleReporter
	Now       func() time.Time
	Version   string
}

type Server struct {
	config     ServerConfig
	httpServer *http.Server
	router     *gin.Engine
	logger     *zap.Logger
}

func NewServer(config ServerConfig, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		config: config,
		router: gin.New(),
		logger: logger.Named("httpapi"),
	}
	s.router.Use(gin.Recovery(), s.loggingMiddleware())
	s.setupRoutes(NewHandlers(deps, s.logger))
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) setupRoutes(h *Handlers) {
	s.router.GET("/healthz", h.Health)

	api := s.router.Group("/api")
	{
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:id", h.GetTask)
		api.GET("/stats", h.Stats)
		api.GET("/metrics", h.Metrics)
	}
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Address()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("starting http server", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}
