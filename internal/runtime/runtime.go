package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-notes/internal/bus"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/natsserver"
	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const batchStreamMaxAge = 24 * time.Hour

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	comps, err := OpenComponents(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	hub := progress.NewHub()
	notifiers := progress.Tee{hub}

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, client, err := connectBus(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		defer client.Close()
		busClient = client
		notifiers = append(notifiers, bus.NewProgressPublisher(busClient))
	}

	orch, err := comps.Orchestrator(notifiers)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	worker := NewWorker(orch, comps.Store, r.cfg.Batch.QueueSize, r.logger)

	if busClient != nil {
		sub, err := busClient.SubscribeTriggers(func(t protocol.BatchTrigger) error {
			return worker.Enqueue(Trigger{RecordingID: t.RecordingID, Requeue: t.Requeue, Source: "nats"})
		})
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if schedule := strings.TrimSpace(r.cfg.Batch.Schedule); schedule != "" {
		sched := cron.New(cron.WithChain(cron.Recover(cronLogger{r.logger})))
		if _, err := sched.AddFunc(schedule, func() {
			_ = worker.Enqueue(Trigger{Source: "cron"})
		}); err != nil {
			return fmt.Errorf("invalid batch.schedule %q: %w", schedule, err)
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
		r.logger.Info("batch schedule active", slog.String("schedule", schedule))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr: addr,
		Handler: NewRouter(APIDeps{
			Recordings:           comps.Store,
			Credentials:          comps.Auth,
			Scheduler:            worker,
			Hub:                  hub,
			Metrics:              metricsHandler,
			DisplayName:          comps.DisplayName,
			Ready:                func() bool { return r.healthy(comps, busClient) },
			Logger:               r.logger,
			TriggerRatePerMinute: r.cfg.HTTP.TriggerRatePerMinute,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

// connectBus starts the embedded server when configured and connects to the
// bus. The batch stream is only set up when retention is enabled.
func connectBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*natsserver.EmbeddedServer, *bus.Client, error) {
	embedded, err := natsserver.Start(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if url := embedded.ClientURL(); url != "" {
		cfg.Servers = []string{url}
	}
	client, err := bus.Connect(ctx, cfg, logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	if cfg.RetainBatchMessages {
		client.EnsureBatchStream(batchStreamMaxAge)
	}
	return embedded, client, nil
}

func (r *Runtime) healthy(comps *Components, busClient *bus.Client) bool {
	if !r.ready.Load() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := comps.Store.Ping(ctx); err != nil {
		return false
	}
	return busClient == nil || busClient.Healthy()
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
