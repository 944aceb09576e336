// Command gateway streams the configured venues onto the event bus and keeps the market-data
// aggregator and the strategy ledger current until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradegate/config"
	dbmigrations "github.com/coachpo/tradegate/db/migrations"
	"github.com/coachpo/tradegate/internal/bus/eventbus"
	"github.com/coachpo/tradegate/internal/infra/persistence"
	"github.com/coachpo/tradegate/internal/infra/persistence/migrations"
	"github.com/coachpo/tradegate/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tradegate/internal/infra/server/http"
	"github.com/coachpo/tradegate/internal/ledger"
	"github.com/coachpo/tradegate/internal/marketdata"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/telemetry"
	"github.com/coachpo/tradegate/internal/venue"
)

const (
	storeDialTimeout         = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultPath))
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", observability.Err(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingSettings) (observability.Logger, error) {
	logger, err := observability.NewLogrus(observability.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAgeDays: cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, err
	}
	return logger.With(observability.F("service", "gateway")), nil
}

// gateway owns every component started by run.
type gateway struct {
	logger     observability.Logger
	telemetry  *telemetry.Provider
	bus        *eventbus.Dispatcher
	aggregator *marketdata.Aggregator
	ledger     *ledger.Ledger
	connectors []*connector
	redis      *redis.Client
	mirror     *marketdata.AsyncMirror
	store      *postgres.Store
	subs       []eventbus.SubscriptionID
	api        *http.Server
	lifecycle  conc.WaitGroup
}

func run(ctx context.Context, cfg config.Settings, logger observability.Logger) error {
	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger.Info("telemetry initialised", observability.F("enabled", provider.Enabled()))

	g := &gateway{logger: logger, telemetry: provider}
	defer g.shutdown(cfg.ShutdownTimeout)

	if err := g.start(ctx, cfg); err != nil {
		return err
	}
	logger.Info("gateway started",
		observability.F("environment", string(cfg.Environment)),
		observability.F("connectors", len(g.connectors)),
		observability.F("streams", len(cfg.Streams)))
	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func (g *gateway) start(ctx context.Context, cfg config.Settings) error {
	g.bus = eventbus.New(eventbus.WithLogger(g.logger), eventbus.WithMeter(g.telemetry.Meter("eventbus")))

	aggOpts := []marketdata.Option{marketdata.WithLogger(g.logger)}
	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, storeDialTimeout)
		rdb, err := marketdata.Dial(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		g.redis = rdb
		g.mirror = marketdata.NewAsyncMirror(marketdata.NewRedisMirror(rdb, cfg.Redis.TTL), g.logger)
		aggOpts = append(aggOpts, marketdata.WithMirror(g.mirror))
		g.logger.Info("market data mirror enabled", observability.F("addr", cfg.Redis.Addr))
	}
	g.aggregator = marketdata.New(aggOpts...)
	g.subs = append(g.subs, g.aggregator.Attach(g.bus)...)

	exchanges := cfg.EnabledExchanges()
	names := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		names = append(names, string(ex))
	}
	ledgerOpts := []ledger.Option{
		ledger.WithLogger(g.logger),
		ledger.WithMeter(g.telemetry.Meter("ledger")),
		ledger.WithExchanges(names...),
	}
	var restored []ledger.Position
	if cfg.Postgres.DSN != "" {
		positions, err := g.openStore(ctx, cfg)
		if err != nil {
			return err
		}
		restored = positions
		ledgerOpts = append(ledgerOpts, ledger.WithStore(g.store.Positions))
	}
	g.ledger = ledger.New(cfg.StrategyID, ledgerOpts...)
	g.ledger.Restore(restored...)
	g.subs = append(g.subs, g.ledger.Attach(g.bus)...)

	opts := []venue.Option{venue.WithLogger(g.logger), venue.WithMeter(g.telemetry.Meter("stream"))}
	byExchange := make(map[config.Exchange]*connector, len(exchanges))
	for _, name := range exchanges {
		settings, _ := cfg.Exchange(name)
		c, err := newConnector(name, settings, g.bus, opts...)
		if err != nil {
			return err
		}
		g.connectors = append(g.connectors, c)
		byExchange[name] = c
	}

	// venues subscribe concurrently; a failure cancels the rest
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for name, c := range byExchange {
		var streams []config.StreamSettings
		for _, st := range cfg.Streams {
			if st.Exchange == name {
				streams = append(streams, st)
			}
		}
		p.Go(func(ctx context.Context) error {
			for _, st := range streams {
				if err := c.subscribe(ctx, st); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("subscribe streams: %w", err)
	}

	if addr := cfg.APIServer.Addr; addr != "" {
		g.api = httpserver.NewServer(addr, string(cfg.Environment), g.ledger, g.aggregator)
		g.lifecycle.Go(func() {
			if err := g.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				g.logger.Error("status api", observability.Err(err))
			}
		})
		g.logger.Info("status api listening", observability.F("addr", addr))
	}
	return nil
}

func (g *gateway) openStore(ctx context.Context, cfg config.Settings) ([]ledger.Position, error) {
	dialCtx, cancel := context.WithTimeout(ctx, storeDialTimeout)
	defer cancel()
	if cfg.Postgres.AutoMigrate {
		if err := migrations.ApplyFS(dialCtx, cfg.Postgres.DSN, dbmigrations.Files, g.logger); err != nil {
			return nil, err
		}
	}
	pgPool, err := persistence.Connect(dialCtx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	g.store = postgres.New(pgPool)
	if err := postgres.ObservePoolMetrics(pgPool, "primary", g.telemetry.Meter("postgres")); err != nil {
		g.logger.Warn("pool metrics unavailable", observability.Err(err))
	}
	positions, err := g.store.Positions.LoadPositions(dialCtx, cfg.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}
	return positions, nil
}

// shutdown stops intake first, then releases the stores and flushes telemetry.
func (g *gateway) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	start := time.Now()

	if g.api != nil {
		if err := g.api.Shutdown(ctx); err != nil {
			g.logger.Warn("stop status api", observability.Err(err))
		}
		g.lifecycle.Wait()
	}

	var (
		closing   conc.WaitGroup
		closeErrs observability.Errors
	)
	for _, c := range g.connectors {
		closing.Go(func() {
			if err := c.Close(); err != nil {
				closeErrs.Add(fmt.Errorf("%s: %w", c.exchange, err))
			}
		})
	}
	done := make(chan struct{})
	go func() {
		closing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("connectors did not close in time", observability.Err(ctx.Err()))
	}
	_ = closeErrs.Report(g.logger, "close connectors")

	if g.bus != nil {
		for _, id := range g.subs {
			g.bus.Unsubscribe(id)
		}
	}
	if g.mirror != nil {
		g.mirror.Close()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("close redis", observability.Err(err))
		}
	}
	if g.store != nil {
		g.store.Pool().Close()
	}
	if g.telemetry != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		if err := g.telemetry.Shutdown(tctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("telemetry shutdown", observability.Err(err))
		}
		tcancel()
	}
	g.logger.Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
}
