// Package engine assembles the SLA engine from configuration and runs it
// until the context is cancelled.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/slaengine/internal/api"
	"github.com/terminal-bench/slaengine/internal/config"
	"github.com/terminal-bench/slaengine/internal/database"
	"github.com/terminal-bench/slaengine/internal/logger"
	"github.com/terminal-bench/slaengine/internal/outbox"
	"github.com/terminal-bench/slaengine/internal/realtime"
	"github.com/terminal-bench/slaengine/internal/sla"
	"github.com/terminal-bench/slaengine/internal/timeline"
	"github.com/terminal-bench/slaengine/pkg/circuit"
	"github.com/terminal-bench/slaengine/pkg/messaging"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	relayJitter       = 0.2
)

var errBusDisconnected = errors.New("bus disconnected")

// Engine owns every long-lived component of one instance.
type Engine struct {
	cfg *config.Config

	db      *sql.DB
	redis   *redis.Client
	bus     *messaging.Client
	hub     *realtime.Hub
	scanner *sla.Scanner
	relay   *outbox.Relay
	server  *http.Server
}

// New connects to the database and the bus and wires the components.
// Unreachable dependencies are returned as errors; nothing is retried.
func New(ctx context.Context, cfg *config.Config) (_ *Engine, err error) {
	e := &Engine{cfg: cfg}
	defer func() {
		if err != nil {
			e.close(ctx)
		}
	}()

	var dialect database.Dialect
	e.db, dialect, err = database.Open(ctx, database.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		applied, err := database.Migrate(ctx, e.db, dialect)
		if err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		logger.InfoKV(ctx, "database migrated", "applied", applied)
	}

	timers, err := e.openTimers(ctx, dialect)
	if err != nil {
		return nil, err
	}

	e.bus, err = messaging.NewClient(messaging.Config{
		URL:            cfg.Bus.URL,
		Name:           cfg.Bus.ClientID,
		ReconnectWait:  cfg.Bus.ReconnectWait,
		MaxReconnects:  cfg.Bus.MaxReconnects,
		ConnectTimeout: cfg.Bus.ConnectTimeout,
		JetStream:      cfg.Bus.JetStream,
		OnDisconnect: func(err error) {
			logger.WarnKV(ctx, "bus disconnected", "error", err)
		},
		OnReconnect: func(url string) {
			logger.InfoKV(ctx, "bus reconnected", "url", url)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}

	if cfg.Bus.JetStream {
		if _, err := e.bus.EnsureStream(cfg.Bus.Stream, []string{cfg.Bus.Topic}, cfg.Bus.DuplicateTTL); err != nil {
			return nil, fmt.Errorf("ensure stream: %w", err)
		}
	}

	breakers := circuit.NewGroup(circuit.Config{
		MaxFailures: cfg.Bus.BreakerFailures,
		Timeout:     cfg.Bus.BreakerCooldown,
		HalfOpenMax: 1,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.WarnKV(ctx, "circuit state changed", "breaker", name, "from", from, "to", to)
		},
	})
	publisher := sla.NewBusPublisher(e.bus, cfg.Bus.Topic, cfg.InstanceID, cfg.Bus.PublishTimeout, breakers)

	var fanout realtime.Fanout
	if cfg.Realtime.Shared {
		fanout = realtime.NewBusFanout(e.bus, cfg.Realtime.SubjectPrefix)
	}
	e.hub, err = realtime.NewHub(fanout)
	if err != nil {
		return nil, fmt.Errorf("create realtime hub: %w", err)
	}

	events := timeline.NewSQLLog(e.db, dialect)

	var box outbox.Store
	switch cfg.Outbox.Backend {
	case config.BackendMemory:
		box = outbox.NewMemoryStore()
	default:
		box = outbox.NewSQLStore(e.db, dialect)
	}

	coordinator := sla.NewCoordinator(timers, events, publisher, box, sla.WithBroadcaster(e.hub))

	e.relay = outbox.NewRelay(box, coordinator, outbox.RelayConfig{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		InitialBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:     cfg.Outbox.MaxBackoff,
		Lease:          cfg.Outbox.Lease,
		Jitter:         relayJitter,
	})

	e.scanner = sla.NewScanner(timers, coordinator, sla.ScannerConfig{
		Interval:    cfg.Scanner.Interval,
		TickTimeout: cfg.Scanner.TickTimeout,
		Concurrency: cfg.Scanner.Concurrency,
	})

	ws := realtime.NewHandler(e.hub, realtime.HandlerConfig{
		SendBuffer:     cfg.Realtime.SendBuffer,
		ChatRate:       cfg.Realtime.ChatRate,
		ChatBurst:      cfg.Realtime.ChatBurst,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})

	server := api.NewServer(api.Config{
		Timers:   timers,
		Timeline: events,
		Realtime: ws,
		Checks:   e.healthChecks(),
	})
	e.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return e, nil
}

func (e *Engine) openTimers(ctx context.Context, dialect database.Dialect) (sla.Repository, error) {
	switch e.cfg.Timers.Backend {
	case config.BackendMemory:
		logger.WarnKV(ctx, "memory timer store only guarantees exactly-once firing within this process")
		return sla.NewMemoryStore(nil), nil

	case config.BackendRedis:
		e.redis = redis.NewClient(&redis.Options{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis at %s: %w", e.cfg.Redis.Addr, err)
		}
		return sla.NewRedisStore(e.redis, e.cfg.Redis.KeyPrefix), nil

	default:
		return sla.NewSQLStore(e.db, dialect), nil
	}
}

func (e *Engine) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"database": e.db.PingContext,
		"bus": func(context.Context) error {
			if !e.bus.IsConnected() {
				return errBusDisconnected
			}
			return nil
		},
	}
	if e.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Run serves HTTP, scans deadlines and relays the outbox until ctx is
// cancelled or the HTTP server fails, then shuts down in order.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close(ctx)

	if err := e.scanner.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.InfoKV(ctx, "http server listening", "addr", e.server.Addr)
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return e.relay.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.InfoKV(ctx, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := e.scanner.Stop(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "scanner stop", "error", err)
		}
		if err := e.server.Shutdown(shutdownCtx); err != nil {
			logger.WarnKV(ctx, "http server shutdown", "error", err)
		}
		return nil
	})

	err := g.Wait()
	logger.InfoKV(ctx, "engine stopped")
	return err
}

func (e *Engine) close(ctx context.Context) {
	if e.hub != nil {
		if err := e.hub.Close(); err != nil {
			logger.WarnKV(ctx, "realtime hub close", "error", err)
		}
	}
	if e.bus != nil {
		if err := e.bus.Drain(); err != nil {
			logger.WarnKV(ctx, "bus drain", "error", err)
			e.bus.Close()
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// Run builds the engine from cfg and runs it.
func Run(ctx context.Context, cfg *config.Config) error {
	if level, ok := logger.ParseLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}
	ctx = logger.With(ctx, "instance_id", cfg.InstanceID)

	e, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return e.Run(ctx)
}

// Migrate applies pending schema migrations and returns how many ran.
func Migrate(ctx context.Context, cfg *config.Config) (int, error) {
	db, dialect, err := database.Open(ctx, database.Config{
		Driver: cfg.Database.Driver,
		URL:    cfg.Database.URL,
	})
	if err != nil {
		return 0, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return database.Migrate(ctx, db, dialect)
}
