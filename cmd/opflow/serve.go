package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/opflow/internal/bus"
	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/identity"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/notify"
	"github.com/rendis/opflow/internal/postpone"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tracing"
	"github.com/rendis/opflow/pkg/schema"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine: consume commands, launch nodes and run the sweeps",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "definitions", Usage: "Directory of workflow definitions registered at startup"},
			&cli.BoolFlag{Name: "otel", Usage: "Export traces over OTLP/HTTP"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("definitions") {
				cfg.DefinitionsDir = cmd.String("definitions")
			}
			if cmd.IsSet("otel") {
				cfg.OTELEnabled = cmd.Bool("otel")
			}
			logger, lv := newLogger(cfg)
			return serve(ctx, cmd.String("settings"), cfg, logger, lv)
		},
	}
}

func serve(ctx context.Context, settings string, cfg Config, logger *slog.Logger, lv *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracer trace.Tracer
	if cfg.OTELEnabled {
		tp, err := tracing.NewProvider(ctx, "opflow")
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown tracer provider", slog.String("error", err.Error()))
			}
		}()
		tracer = tracing.Tracer()
	}

	rt, err := openRuntime(ctx, cfg, logger, tracer)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.DefinitionsDir != "" {
		n, err := registerDir(ctx, rt.store, cfg.DefinitionsDir)
		if err != nil {
			return err
		}
		logger.Info("definitions registered", slog.String("dir", cfg.DefinitionsDir), slog.Int("count", n))
	}

	dispatcher, err := bus.NewDispatcher(rt.sub, rt.ctrl, bus.DispatcherConfig{Logger: logger, Tracer: tracer})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	if err := rt.sched.Start(ctx); err != nil {
		return err
	}
	defer rt.sched.Stop()
	now := time.Now().UTC()
	for _, sw := range rt.sweeps {
		next, err := rt.sched.NextRun(sw.spec, now)
		if err != nil {
			return err
		}
		logger.Info("sweep scheduled", slog.String("sweep", sw.name), slog.String("spec", sw.spec), slog.Time("next_run", next))
	}

	go watchReload(ctx, settings, cfg, logger, lv)

	logger.Info("opflow serving",
		slog.String("version", version),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("bus", cfg.BusProvider),
	)
	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	logger.Info("opflow stopped")
	return nil
}

// Sweep names, as accepted by the sweep command.
const (
	sweepTimeouts      = "timeouts"
	sweepPostponements = "postponements"
)

type sweep struct {
	name, spec string
}

// runtime is the engine wired to its store, bus and sweeps. serve runs it
// behind the dispatcher; the sweep command drives one sweep of it directly.
type runtime struct {
	store    store.Store
	pub      message.Publisher
	sub      message.Subscriber
	notifier *notify.BusNotifier
	tracker  *postpone.Tracker
	ctrl     *engine.Controller
	sched    *scheduler.Scheduler
	sweeps   []sweep
	closeBus func()
}

func openRuntime(ctx context.Context, cfg Config, logger *slog.Logger, tracer trace.Tracer) (*runtime, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pub, sub, closeBus, err := openBus(cfg, watermill.NewSlogLogger(logger))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt := &runtime{store: st, pub: pub, sub: sub, closeBus: closeBus}

	rt.notifier = notify.NewBusNotifier(pub, st, notify.Config{
		MaxAttempts: cfg.NotifyMaxAttempts,
		PoolSize:    cfg.PoolSize,
		Logger:      logger,
	})
	rt.tracker = postpone.NewTracker(st, rt.notifier, postpone.Config{Logger: logger})
	breaker := engine.DefaultCircuitBreakerConfig()
	rt.ctrl = engine.NewController(st, bus.NewExecutor(pub, "", logger), rt.tracker, engine.Config{
		RetentionLimit:                cfg.RetentionLimit,
		RestartFailedAtExecutionLimit: cfg.RestartFailedAtExecutionLimit,
		LaunchBreaker:                 &breaker,
		Logger:                        logger,
		Tracer:                        tracer,
	})

	rt.sched = scheduler.New(logger)
	rt.sweeps = []sweep{{sweepTimeouts, cfg.TimeoutSweep}, {sweepPostponements, cfg.PostponementSweep}}
	fns := map[string]scheduler.SweepFunc{sweepTimeouts: rt.ctrl.SweepTimeouts, sweepPostponements: rt.tracker.Sweep}
	for _, sw := range rt.sweeps {
		if err := rt.sched.Add(sw.name, sw.spec, fns[sw.name]); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// Close drains pending notifications before the bus and store go away.
func (rt *runtime) Close() {
	_ = rt.notifier.Close()
	rt.closeBus()
	_ = rt.store.Close()
}

// watchReload re-reads the config on SIGHUP. Only the log level applies
// live; other changes are reported as needing a restart.
func watchReload(ctx context.Context, settings string, current Config, logger *slog.Logger, lv *slog.LevelVar) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := loadConfigFrom(settings, os.Getenv)
		if err != nil {
			logger.Error("reload config", slog.String("error", err.Error()))
			continue
		}
		// Flags given at startup keep winning over the reloaded layers.
		next.DBDriver, next.DBURL, next.BusProvider = current.DBDriver, current.DBURL, current.BusProvider
		next.KafkaBrokers, next.LogFormat = current.KafkaBrokers, current.LogFormat

		d := diffConfigs(current, next)
		if len(d.Changed) == 0 {
			logger.Info("config reloaded, no changes")
			continue
		}
		if d.LogLevelChanged {
			lv.Set(logging.ParseLevel(next.LogLevel))
		}
		logger.Info("config reloaded", slog.String("changed", strings.Join(d.Changed, ",")))
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", slog.String("keys", strings.Join(d.RestartNeeded, ",")))
		}
		current = next
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.DBDriver {
	case driverMemory:
		st = store.NewMemoryStore()
	case driverPostgres:
		st, err = store.NewPostgresStore(ctx, cfg.DBURL)
	default:
		st, err = store.NewLibSQLStore(cfg.DBURL)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openBus returns the configured publisher and subscriber plus a func
// closing both.
func openBus(cfg Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, func(), error) {
	if cfg.BusProvider == busKafka {
		pub, sub, err := bus.NewKafkaPubSub(bus.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			OTELEnabled:   cfg.OTELEnabled,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open kafka bus: %w", err)
		}
		return pub, sub, func() {
			_ = pub.Close()
			_ = sub.Close()
		}, nil
	}
	ps := bus.NewGoChannelPubSub(logger)
	return ps, ps, func() { _ = ps.Close() }, nil
}

// registerDir saves every definition under dir.
func registerDir(ctx context.Context, st store.Store, dir string) (int, error) {
	loader, err := definition.NewLoader()
	if err != nil {
		return 0, err
	}
	files, err := loader.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if err := saveDefinition(ctx, st, f.Definition); err != nil {
			return 0, fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	return len(files), nil
}

func saveDefinition(ctx context.Context, st store.Store, def schema.WorkflowDefinition) error {
	if def.ID == "" {
		return errors.New("definition has no id")
	}
	return st.SaveWorkflow(ctx, &store.Workflow{ID: def.ID, Name: def.Name, Definition: def})
}

// cliActor is the actor recorded for commands issued from this process.
func cliActor(raw string) (identity.Actor, error) {
	if raw != "" {
		return identity.Parse(raw)
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}
	return identity.Human(user), nil
}
