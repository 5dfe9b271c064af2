// Package gateway wires the task tracker together: storage, the lifecycle
// engine, chat sessions, the Telegram transport, the reminder scheduler and
// the optional status API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/cabot/internal/bot"
	"github.com/stellarlinkco/cabot/internal/bus"
	"github.com/stellarlinkco/cabot/internal/channel"
	"github.com/stellarlinkco/cabot/internal/config"
	"github.com/stellarlinkco/cabot/internal/httpapi"
	"github.com/stellarlinkco/cabot/internal/lifecycle"
	"github.com/stellarlinkco/cabot/internal/logging"
	"github.com/stellarlinkco/cabot/internal/metrics"
	"github.com/stellarlinkco/cabot/internal/notify"
	"github.com/stellarlinkco/cabot/internal/reminder"
	"github.com/stellarlinkco/cabot/internal/session"
	"github.com/stellarlinkco/cabot/internal/store"
)

// ShutdownTimeout bounds how long in-flight reminder jobs may run after a stop.
const ShutdownTimeout = 30 * time.Second

// Transport is a running chat channel that can also deliver messages.
type Transport interface {
	channel.Channel
	notify.Gateway
}

// TransportFactory creates the chat transport (allows injection for testing).
type TransportFactory func(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (Transport, error)

// DefaultTransportFactory creates the Telegram long-polling channel.
func DefaultTransportFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (Transport, error) {
	return channel.NewTelegramChannel(cfg, b, logger)
}

// Options for creating a Gateway
type Options struct {
	TransportFactory TransportFactory
	SignalChan       chan os.Signal // for testing signal handling
	Logger           *zap.Logger
	Now              func() time.Time
	Version          string
}

type Gateway struct {
	cfg        *config.Config
	logger     *zap.Logger
	now        func() time.Time
	bus        *bus.MessageBus
	store      *store.Store
	provider   *metrics.Provider
	metrics    *metrics.Metrics
	engine     *lifecycle.Engine
	sessions   *session.Manager
	transport  Transport
	scheduler  *reminder.Scheduler
	handler    *bot.Handler
	dispatcher *bot.Dispatcher
	http       *httpapi.Server
	signalChan chan os.Signal // for testing

	mu           sync.Mutex
	cancel       context.CancelFunc
	dispatchDone chan struct{}
	httpDone     chan struct{}
	closed       bool
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (_ *Gateway, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Named("gateway"),
		now:        now,
		signalChan: opts.SignalChan,
	}

	st, err := store.Open(cfg.Storage.DBPath, store.WithClock(now))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()
	g.store = st

	g.provider = metrics.NewProvider()
	g.metrics, err = metrics.NewMetrics(g.provider.Meter)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location()
	formatter := notify.NewFormatter(loc, cfg.Tasks.ReviewFlow)

	g.engine = lifecycle.NewEngine(g.store, lifecycle.Config{
		ReviewFlow:      cfg.Tasks.ReviewFlow,
		AllowSelfAssign: cfg.Tasks.AllowSelfAssign,
		MinDescription:  cfg.Tasks.MinDescription,
		Now:             now,
		Metrics:         g.metrics,
		Logger:          logger,
	})

	g.sessions = session.NewManager(session.Config{
		IdleTimeout:    cfg.SessionIdle(),
		MinDescription: cfg.Tasks.MinDescription,
		Location:       loc,
		CheckAssignee:  g.engine.CheckAssignee,
		Now:            now,
	})
	if err = g.provider.RegisterGauge("cabot.sessions.live", "Open chat sessions", func() int64 {
		return int64(g.sessions.Len())
	}); err != nil {
		return nil, err
	}

	g.bus = bus.NewMessageBus(bus.DefaultBufSize)

	factory := opts.TransportFactory
	if factory == nil {
		factory = DefaultTransportFactory
	}
	g.transport, err = factory(cfg.Telegram, g.bus, logger)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	g.scheduler, err = reminder.NewScheduler(g.store, g.transport, reminder.Config{
		Schedule:        cfg.Reminder.Schedule,
		Interval:        cfg.ReminderInterval(),
		DeliveryTimeout: cfg.DeliveryTimeout(),
		BatchLimit:      cfg.Reminder.BatchLimit,
		ReviewFlow:      cfg.Tasks.ReviewFlow,
		Formatter:       formatter,
		Now:             now,
		Metrics:         g.metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create reminder scheduler: %w", err)
	}
	if err = g.scheduler.AddJob("session-sweep", cfg.Session.SweepSchedule, func(context.Context) {
		if n := g.sessions.Sweep(); n > 0 {
			g.logger.Debug("expired sessions removed", zap.Int("count", n))
		}
	}); err != nil {
		return nil, err
	}

	g.handler = bot.NewHandler(bot.Config{
		Engine:          g.engine,
		Store:           g.store,
		Sessions:        g.sessions,
		Gateway:         g.transport,
		Formatter:       formatter,
		DeliveryTimeout: cfg.DeliveryTimeout(),
		Now:             now,
		Metrics:         g.metrics,
		Logger:          logger,
	})
	g.dispatcher = bot.NewDispatcher(g.handler.Handle, cfg.Telegram.QueueSize, logger, g.metrics)
	if err = g.provider.RegisterGauge("cabot.dispatcher.pending", "Senders with queued or running messages", func() int64 {
		return int64(g.dispatcher.Pending())
	}); err != nil {
		return nil, err
	}

	if cfg.Gateway.Enabled {
		serverCfg := httpapi.DefaultServerConfig()
		serverCfg.Host = cfg.Gateway.Host
		serverCfg.Port = cfg.Gateway.Port
		g.http = httpapi.NewServer(serverCfg, httpapi.Deps{
			Store:     g.store,
			Metrics:   g.provider,
			Reminders: g.scheduler,
			Now:       now,
			Version:   opts.Version,
		}, logger)
	}

	return g, nil
}

// Store exposes the opened store (used by tests and admin commands).
func (g *Gateway) Store() *store.Store { return g.store }

// Run starts every component and blocks until a signal arrives or ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.transport.Start(ctx); err != nil {
		cancel()
		_ = g.Shutdown()
		return fmt.Errorf("start %s: %w", g.transport.Name(), err)
	}
	g.scheduler.Start(ctx)

	dispatchDone := make(chan struct{})
	g.mu.Lock()
	g.dispatchDone = dispatchDone
	g.mu.Unlock()
	go func() {
		defer close(dispatchDone)
		g.dispatcher.Run(ctx, g.bus.Inbound)
	}()

	if g.http != nil {
		done := make(chan struct{})
		g.mu.Lock()
		g.httpDone = done
		g.mu.Unlock()
		go func() {
			defer close(done)
			if err := g.http.Start(ctx); err != nil {
				g.logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	g.logger.Info("running",
		zap.String("channel", g.transport.Name()),
		zap.Bool("review_flow", g.cfg.Tasks.ReviewFlow),
		zap.Bool("http", g.http != nil),
	)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		g.logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		g.logger.Info("shutting down", zap.Error(ctx.Err()))
	}
	return g.Shutdown()
}

// Shutdown stops polling first so no new work arrives, lets in-flight
// reminder jobs finish, stops the dispatcher and waits for its handlers,
// then closes the store. It is safe to call more than once.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	cancel, dispatchDone, httpDone := g.cancel, g.dispatchDone, g.httpDone
	g.mu.Unlock()

	var errs []error
	if err := g.transport.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	if !g.scheduler.Stop(ShutdownTimeout) {
		g.logger.Warn("reminder jobs still running at shutdown", zap.Duration("timeout", ShutdownTimeout))
	}
	if cancel != nil {
		cancel()
	}
	// Run returns only after its workers finish, so nothing touches the
	// store once it is closed.
	if dispatchDone != nil {
		<-dispatchDone
	}
	g.dispatcher.Wait()
	if httpDone != nil {
		<-httpDone
	}

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := g.provider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	g.logger.Info("shutdown complete")
	_ = g.logger.Sync()
	return errors.Join(errs...)
}
