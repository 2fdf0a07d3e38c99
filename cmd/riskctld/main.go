// Command riskctld runs the real-time risk control plane: the position
// and P&L engine, the pre-trade risk evaluator, the alert pipeline, the
// monitoring loop and halt controller, and the ingestion/streaming
// facade. Entrypoint style (cobra root + subcommands, config/env loading
// order) adapted from the teacher's cmd/main.go, generalized from a
// single strategy runner into a multi-component service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackholedex/riskctl/internal/alert"
	"github.com/blackholedex/riskctl/internal/config"
	"github.com/blackholedex/riskctl/internal/control"
	"github.com/blackholedex/riskctl/internal/ingest"
	"github.com/blackholedex/riskctl/internal/monitor"
	"github.com/blackholedex/riskctl/internal/position"
	"github.com/blackholedex/riskctl/internal/ratelimit"
	"github.com/blackholedex/riskctl/internal/risk"
	"github.com/blackholedex/riskctl/internal/store"
	"github.com/blackholedex/riskctl/internal/stream"
	"github.com/blackholedex/riskctl/internal/workerpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "riskctld",
		Short: "real-time risk control plane for cross-exchange arbitrage trading",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yml", "path to config.yml")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newHealthcheckCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the risk control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// components bundles everything runServe wires together, so shutdown can
// walk it in the documented order (spec §7: stop ingestion -> drain alert
// queue up to 5s -> stop monitoring loop -> stop worker pool (draining)
// -> close sinks).
type components struct {
	pool     *workerpool.Pool
	loop     *monitor.Loop
	halt     *monitor.Controller
	alertQ   *alert.Queue
	redis    *store.RedisStore
	audit    *store.AuditLog
	influx   *store.InfluxSink
}

func runServe(ctx context.Context) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	_ = config.LoadEnvOverlay(".env")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	limits := cfg.ToRiskLimits()

	pool := workerpool.New(8, logger)

	var redisStore *store.RedisStore
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		redisStore = store.NewRedisStore(client, logger)
	}

	streamHub := stream.NewHub(stream.WithBufferSize(orDefault(cfg.Stream.SubscriberBufferSize, 256)))

	engineOpts := []position.Option{
		position.WithUpdateListener(func(p position.Position) {
			streamHub.PublishPosition(stream.PositionUpdate{
				Symbol:       p.Symbol,
				Venue:        p.Venue,
				Quantity:     p.Quantity,
				AveragePrice: p.AverageEntry,
				Mark:         p.Mark,
				Unrealized:   p.Unrealized(),
				Realized:     p.RealizedPnL,
				Timestamp:    p.LastUpdate,
			})
		}),
	}
	if redisStore != nil {
		engineOpts = append(engineOpts, position.WithStore(redisStore))
	}
	engine := position.New(logger, engineOpts...)
	if redisStore != nil {
		if err := engine.Rehydrate(ctx); err != nil {
			logger.Warn().Err(err).Msg("position rehydrate failed, starting from an empty book")
		}
	}

	var auditLog *store.AuditLog
	if cfg.MySQL.DSN != "" {
		auditLog, err = store.NewAuditLog(cfg.MySQL.DSN)
		if err != nil {
			logger.Warn().Err(err).Msg("audit log unavailable, continuing without it")
		}
	}

	var influxSink *store.InfluxSink
	if cfg.InfluxDB.Addr != "" {
		influxSink, err = store.NewInfluxSink(cfg.InfluxDB.Addr, cfg.InfluxDB.Username, cfg.InfluxDB.Password, cfg.InfluxDB.Database)
		if err != nil {
			logger.Warn().Err(err).Msg("influxdb sink unavailable, monitoring metrics will not be persisted")
		}
	}

	var sinks []alert.Sink
	if redisStore != nil {
		sinks = append(sinks, redisStore)
	}
	alertQ := alert.New(pool, logger, alert.WithMaxPerHour(limits.MaxAlertsPerHour), alert.WithSinks(sinks...))

	halt := monitor.NewController(func(s monitor.State) {
		severity := alert.Warning
		message := "trading resumed"
		if s.Halted {
			severity = alert.Critical
			if s.Source == monitor.Manual {
				severity = alert.Warning
			}
			message = fmt.Sprintf("trading halted (%s): %s", s.Source, s.Reason)
		}
		alertQ.Enqueue(alert.New(severity, "halt_transition", message, nil))

		if redisStore != nil {
			if err := redisStore.SaveHaltState(ctx, s.Halted, s.Reason, s.Since, s.Source.String()); err != nil {
				logger.Warn().Err(err).Msg("failed to persist halt state")
			}
		}
	})

	evaluator := risk.New(engine, halt, limits, logger)

	ingestFacade := ingest.New(engine, logger, ingest.WithDedupeWindow(orDefault(cfg.DedupeWindow, 100000)))

	limiters := ratelimit.NewRegistry(logger)
	for _, ex := range cfg.Exchanges {
		window := time.Duration(ex.RateLimitWindowMS) * time.Millisecond
		if window <= 0 {
			window = time.Second
		}
		limiters.AddLimiter(ex.Name, ex.RateLimitCapacity, window)
	}

	unsubAlerts := func() func() {
		ch, unsub := alertQ.Subscribe()
		go func() {
			for a := range ch {
				streamHub.PublishAlert(a)
			}
		}()
		return unsub
	}()
	defer unsubAlerts()

	var metricsSink monitor.MetricsSink
	if influxSink != nil {
		metricsSink = influxSink
	}
	loop := monitor.New(engine, evaluator, halt, alertQ, metricsSink,
		func() time.Duration { return cfg.MonitoringInterval() },
		func() *config.RiskLimits { return limits },
		logger,
	)

	_ = ingestFacade // wired by the ingestion reader, which the transport layer (out of scope) drives
	_ = limiters     // consulted by the outbound exchange client (out of scope) before issuing orders

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		loop.Run(gctx)
		return nil
	})

	var limitsPersister control.LimitsPersister
	if redisStore != nil {
		limitsPersister = redisStore
	}
	controlSrv := control.NewServer(engine, evaluator, alertQ, halt, limitsPersister, logger)

	streamSrv := stream.NewServer(streamHub, logger)
	httpAddr := cfg.Stream.ListenAddr
	if httpAddr == "" {
		httpAddr = ":8090"
	}
	router := controlSrv.Router()
	router.HandlerFunc(http.MethodGet, "/stream", streamSrv.ServeHTTP)
	httpServer := &http.Server{Addr: httpAddr, Handler: router}
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	})

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info().Str("addr", httpAddr).Msg("risk control plane started")

	select {
	case <-stopCh:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	shutdown(&components{pool: pool, loop: loop, halt: halt, alertQ: alertQ, redis: redisStore, audit: auditLog, influx: influxSink}, logger)
	return group.Wait()
}

// shutdown follows the order named in spec §7: stop ingestion -> drain
// alert queue up to 5s -> stop monitoring loop -> stop worker pool
// (draining) -> close sinks. The ingestion reader is owned by the
// transport layer and is out of scope here; shutdown begins at the alert
// drain step.
func shutdown(c *components, logger zerolog.Logger) {
	drained := make(chan struct{})
	go func() {
		c.pool.WaitIdle()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("alert queue drain timed out after 5s")
	}

	c.loop.Stop()
	c.pool.Shutdown()

	if c.influx != nil {
		if err := c.influx.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing influxdb sink")
		}
	}
	if c.audit != nil {
		if err := c.audit.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing audit log")
		}
	}
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
