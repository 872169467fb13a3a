package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/otherjamesbrown/penf-recorder/config"
	"github.com/otherjamesbrown/penf-recorder/credentials"
	"github.com/otherjamesbrown/penf-recorder/pkg/audit"
	"github.com/otherjamesbrown/penf-recorder/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-recorder/pkg/db"
	"github.com/otherjamesbrown/penf-recorder/pkg/events"
	"github.com/otherjamesbrown/penf-recorder/pkg/logging"
	"github.com/otherjamesbrown/penf-recorder/pkg/observability"
	"github.com/otherjamesbrown/penf-recorder/pkg/platform/sim"
	"github.com/otherjamesbrown/penf-recorder/pkg/recorder"
	"github.com/otherjamesbrown/penf-recorder/pkg/storage"
)

const metricsNamespace = "penf_recorder"

// RunCommandDeps holds the dependencies for the run command.
type RunCommandDeps struct {
	LoadConfig  func() (*config.RecorderConfig, error)
	Secrets     credentials.Store
	ConnectToDB func(context.Context, *config.RecorderConfig) (*pgxpool.Pool, error)
	// LogOutput overrides the log destination; nil means stderr.
	LogOutput io.Writer
}

// DefaultRunDeps returns the default dependencies for production use.
func DefaultRunDeps() *RunCommandDeps {
	return &RunCommandDeps{
		LoadConfig:  config.LoadConfig,
		Secrets:     credentials.DefaultStore(),
		ConnectToDB: connectToDatabase,
	}
}

// NewRunCommand creates the run command, which starts the recorder service.
func NewRunCommand(deps *RunCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultRunDeps()
	}

	var scenarioPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the transcript recorder",
		Long: `Run the transcript recorder until interrupted.

The recorder attaches to the communications platform, records every
conversation and conference it is part of, and hands each finished transcript
to the configured stores: transcript files, the Postgres transcript database,
and the Redis event channel.

With --scenario the platform is the built-in simulator, driven by a YAML
script of calls, messages, and conference events. The recorder shuts down on
its own once the script's last session ends, unless
manager.shutdown_when_idle is false.`,
		Example: `  penf-recorder run --scenario examples/weekly-sync.yaml
  PENF_RECORDER_DATABASE_ENABLED=true penf-recorder run --scenario demo.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if deps.Secrets != nil {
				if err := cfg.ResolveSecrets(deps.Secrets); err != nil {
					return fmt.Errorf("resolving secrets: %w", err)
				}
			}

			var sc *sim.Scenario
			if scenarioPath != "" {
				if sc, err = sim.LoadScenario(scenarioPath); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runRecorder(ctx, cfg, deps, sc)
		},
	}

	cmd.Flags().StringVarP(&scenarioPath, "scenario", "s", "", "Drive the simulated platform with a YAML scenario")

	return cmd
}

// service is a running recorder and everything it owns.
type service struct {
	cfg      *config.RecorderConfig
	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *observability.RecorderMetrics
	platform *sim.Platform
	manager  *recorder.Manager
	writer   *storage.AsyncWriter

	pool      *pgxpool.Pool
	publisher *events.Publisher
	audit     *audit.Client
	http      *http.Server
	grpc      *grpc.Server
	health    *health.Server
}

// newService wires the stores, listeners, and manager described by cfg. The
// manager is not started.
func newService(ctx context.Context, cfg *config.RecorderConfig, deps *RunCommandDeps) (_ *service, err error) {
	s := &service{
		cfg:      cfg,
		logger:   newLogger(cfg, deps.LogOutput).With(logging.F("version", buildinfo.Version)),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildinfo.Collector(metricsNamespace, buildinfo.ServiceName),
	)
	s.metrics = observability.NewRecorderMetrics(s.registry)

	var (
		backends  []storage.Writer
		listeners events.Listeners
	)

	if cfg.Storage.Dir != "" {
		dir, err := config.ExpandPath(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		fw, err := storage.NewFileWriter(dir)
		if err != nil {
			return nil, err
		}
		backends = append(backends, fw)
		s.logger.Info("Writing transcript files", logging.F("dir", dir))
	}

	if cfg.Database.Enabled {
		if s.pool, err = deps.ConnectToDB(ctx, cfg); err != nil {
			return nil, fmt.Errorf("connecting to transcript database: %w", err)
		}
		if cfg.Database.MigrateOnStart {
			res, err := db.RunMigrations(ctx, s.pool, db.Migrations())
			if err != nil {
				return nil, fmt.Errorf("migrating transcript database: %w", err)
			}
			s.logger.Info("Transcript database migrated", logging.F("applied", len(res.Applied)))
		}
		if _, err := db.RegisterPoolStatsCollector(s.registry, s.pool, metricsNamespace, "transcripts"); err != nil {
			return nil, err
		}
		backends = append(backends, storage.NewPostgresStore(s.pool, s.logger))
	}

	if cfg.Redis.Enabled {
		s.publisher, err = events.NewPublisherFromConfig(events.PublisherConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		backends = append(backends, s.publisher)
		listeners = append(listeners, s.publisher)
	}

	if cfg.Audit.Enabled {
		if s.audit, err = audit.Open(cfg.Audit.DSN(), s.logger); err != nil {
			return nil, err
		}
		listeners = append(listeners, s.audit)
	}

	var writer storage.Writer = storage.Discard
	if len(backends) > 0 {
		s.writer, err = storage.NewAsyncWriter(storage.AsyncWriterConfig{
			Backend:        storage.NewMultiWriter(backends...),
			BufferSize:     cfg.Storage.BufferSize,
			BatchSize:      cfg.Storage.BatchSize,
			FlushInterval:  cfg.Storage.FlushInterval,
			EnqueueTimeout: cfg.Storage.EnqueueTimeout,
			Logger:         s.logger,
			Metrics:        s.metrics,
		})
		if err != nil {
			return nil, err
		}
		writer = s.writer
	}

	s.platform = sim.New(sim.WithLogger(s.logger))
	s.manager, err = recorder.NewManager(recorder.ManagerConfig{
		ShutdownWhenIdle:        cfg.Manager.ShutdownWhenIdle,
		PlatformShutdownTimeout: cfg.Manager.PlatformShutdownTimeout,
		GrammarLoadTimeout:      cfg.Manager.GrammarLoadTimeout,
		TerminateTimeout:        cfg.Manager.TerminateTimeout,
		PersistTimeout:          cfg.Manager.PersistTimeout,
	}, recorder.Options{
		Platform: s.platform,
		Writer:   writer,
		Speech:   sim.NewSpeechFactory(),
		Listener: listeners,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Tracer:   observability.NewTracer(),
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// serve starts the metrics and health endpoints.
func (s *service) serve(ctx context.Context, started time.Time) error {
	if s.cfg.Health.Enabled {
		s.health = health.NewServer()
	}

	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		mux.Handle("/version", buildinfo.Handler(buildinfo.ServiceName, started))
		if s.health != nil {
			mux.Handle("/healthz", healthzHandler(s.health, buildinfo.ServiceName))
		}

		ln, err := net.Listen("tcp", s.cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("listening for metrics: %w", err)
		}
		s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Metrics server stopped", logging.Err(err))
			}
		}()
		s.logger.Info("Serving metrics", logging.F("address", ln.Addr().String()))
	}

	if s.cfg.Health.Enabled {
		ln, err := net.Listen("tcp", s.cfg.Health.Address)
		if err != nil {
			return fmt.Errorf("listening for health checks: %w", err)
		}
		s.grpc = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpc, s.health)
		go func() {
			if err := s.grpc.Serve(ln); err != nil {
				s.logger.Error("Health server stopped", logging.Err(err))
			}
		}()
		go db.ReportHealth(ctx, s.health, buildinfo.ServiceName, s.cfg.Health.Interval, s.check)
		s.logger.Info("Serving health checks", logging.F("address", ln.Addr().String()))
	}

	return nil
}

// healthzHandler exposes the gRPC health status of service over HTTP as
// protojson. Anything but SERVING answers 503.
func healthzHandler(hs healthpb.HealthServer, service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := hs.Check(r.Context(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		body, err := protojson.Marshal(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	}
}

// check reports the recorder healthy while the manager runs and its stores
// answer.
func (s *service) check(ctx context.Context) error {
	select {
	case <-s.manager.Done():
		return errors.New("recorder stopped")
	default:
	}
	if s.pool != nil {
		if err := db.Ping(ctx, s.pool); err != nil {
			return err
		}
	}
	if s.audit != nil {
		if err := s.audit.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// shutdown stops the manager, which persists every open session, then drains
// the writer.
func (s *service) shutdown(ctx context.Context) error {
	if s.health != nil {
		s.health.Shutdown()
	}
	err := s.manager.Shutdown(ctx)
	if s.writer != nil {
		if cerr := s.writer.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// close releases connections and listeners. It is safe on a partly built
// service.
func (s *service) close() {
	if s.http != nil {
		_ = s.http.Close()
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
	if s.publisher != nil {
		_ = s.publisher.Close()
	}
	if s.audit != nil {
		_ = s.audit.Close()
	}
	db.Close(s.pool)
}

func runRecorder(ctx context.Context, cfg *config.RecorderConfig, deps *RunCommandDeps, sc *sim.Scenario) error {
	started := time.Now()

	s, err := newService(ctx, cfg, deps)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.serve(ctx, started); err != nil {
		return err
	}

	// The manager outlives ctx so that shutdown below persists open sessions.
	if err := s.manager.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	s.logger.Info("Recorder started",
		logging.F("commit", buildinfo.Commit),
		logging.F("shutdown_when_idle", cfg.Manager.ShutdownWhenIdle))

	if sc != nil {
		go func() {
			if err := sim.NewPlayer(s.platform, s.logger).Play(ctx, sc); err != nil && ctx.Err() == nil {
				s.logger.Error("Scenario failed", logging.Err(err), logging.F("scenario", sc.Name))
			}
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown requested")
	case <-s.manager.Done():
		s.logger.Info("Recorder idle")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Manager.PlatformShutdownTimeout+cfg.Manager.PersistTimeout)
	defer cancel()

	if err := s.shutdown(shutdownCtx); err != nil {
		s.logger.Error("Shutdown finished with errors", logging.Err(err))
		return err
	}
	s.logger.Info("Recorder stopped", logging.F("uptime", formatDuration(time.Since(started))))
	return nil
}
