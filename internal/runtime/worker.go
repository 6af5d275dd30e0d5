package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-notes/internal/batch"
	"github.com/loqalabs/loqa-notes/internal/recording"
)

// ErrQueueFull is returned when a trigger cannot be buffered.
var ErrQueueFull = errors.New("batch queue full")

// Trigger asks the worker for one run.
type Trigger struct {
	RecordingID string
	Requeue     bool
	Source      string
}

// Runner is the part of the orchestrator the worker drives.
type Runner interface {
	ProcessOne(ctx context.Context, id string) (batch.Report, error)
	ProcessAll(ctx context.Context) (batch.Report, error)
}

// Requeuer resets failed recordings before a process-all run.
type Requeuer interface {
	Requeue(ctx context.Context, status recording.TranscriptionStatus) (int, error)
}

// RunStatus is the worker's view of the latest run.
type RunStatus struct {
	Running bool          `json:"running"`
	Queued  int           `json:"queued"`
	Last    *batch.Report `json:"last,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Worker funnels every trigger into one goroutine so runs never overlap.
type Worker struct {
	runner   Runner
	requeuer Requeuer
	queue    chan Trigger
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	last    *batch.Report
	lastErr error
}

func NewWorker(runner Runner, requeuer Requeuer, size int, logger *slog.Logger) *Worker {
	if size <= 0 {
		size = 1
	}
	return &Worker{
		runner:   runner,
		requeuer: requeuer,
		queue:    make(chan Trigger, size),
		log:      logger.With(slog.String("component", "worker")),
	}
}

// Enqueue buffers t without blocking.
func (w *Worker) Enqueue(t Trigger) error {
	t.RecordingID = strings.TrimSpace(t.RecordingID)
	select {
	case w.queue <- t:
		w.log.Debug("trigger queued", slog.String("source", t.Source), slog.String("recording_id", t.RecordingID))
		return nil
	default:
		w.log.Warn("trigger rejected", slog.String("source", t.Source), slog.String("error", ErrQueueFull.Error()))
		return ErrQueueFull
	}
}

// Run consumes triggers until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-w.queue:
			w.handle(ctx, t)
		}
	}
}

func (w *Worker) handle(ctx context.Context, t Trigger) {
	w.setRunning(true)
	defer w.setRunning(false)

	var (
		report batch.Report
		err    error
	)
	if t.RecordingID != "" {
		report, err = w.runner.ProcessOne(ctx, t.RecordingID)
	} else {
		if t.Requeue && w.requeuer != nil {
			n, rerr := w.requeuer.Requeue(ctx, recording.TranscriptionError)
			if rerr != nil {
				w.log.Error("requeue failed", slog.String("error", rerr.Error()))
			} else if n > 0 {
				w.log.Info("requeued failed recordings", slog.Int("count", n))
			}
		}
		report, err = w.runner.ProcessAll(ctx)
	}

	w.mu.Lock()
	if report.RunID != "" {
		w.last = &report
	}
	w.lastErr = err
	w.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		w.log.Warn("batch run failed", slog.String("source", t.Source), slog.String("error", err.Error()))
	}
}

func (w *Worker) setRunning(v bool) {
	w.mu.Lock()
	w.running = v
	w.mu.Unlock()
}

func (w *Worker) Status() RunStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := RunStatus{Running: w.running, Queued: len(w.queue)}
	if w.last != nil {
		last := *w.last
		st.Last = &last
	}
	if w.lastErr != nil {
		st.Error = w.lastErr.Error()
	}
	return st
}
