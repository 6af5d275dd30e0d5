package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-notes/internal/annotate"
	"github.com/loqalabs/loqa-notes/internal/clip"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"github.com/loqalabs/loqa-notes/internal/store"
	"github.com/loqalabs/loqa-notes/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrRecordingNotFound    = errors.New("recording not found")
	ErrRunInProgress        = errors.New("batch run already in progress")
	ErrTranscriptionTimeout = errors.New("transcription timed out")
)

// Repository is the persistence the orchestrator drives.
type Repository interface {
	GetRecording(ctx context.Context, id string) (recording.Recording, error)
	ListPending(ctx context.Context) ([]recording.Recording, error)
	UpdateRecording(ctx context.Context, id string, fn func(*recording.Recording) error) (recording.Recording, error)
}

// AuthState exposes the stored annotation credential.
type AuthState interface {
	AccessToken(ctx context.Context) (string, bool, error)
}

// AudioLoader reads the clip behind a recording.
type AudioLoader func(path string) (clip.Clip, error)

// Options tunes a run.
type Options struct {
	TranscribeTimeout time.Duration
	AnnotationEnabled bool
	PublishTimeout    time.Duration
	MaxTextLength     int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		TranscribeTimeout: cfg.Batch.TranscribeTimeout(),
		AnnotationEnabled: cfg.Annotation.Enabled,
		PublishTimeout:    cfg.Annotation.PublishTimeout(),
		MaxTextLength:     cfg.Annotation.MaxTextLength,
	}
}

// Deps are the collaborators of an Orchestrator. Publisher and Auth are only
// consulted when annotation is enabled.
type Deps struct {
	Repo        Repository
	Transcriber stt.Transcriber
	Publisher   annotate.Publisher
	Auth        AuthState
	Notifier    progress.Notifier
	Loader      AudioLoader
	Logger      *slog.Logger
}

// Report summarizes one run.
type Report struct {
	RunID              string `json:"run_id"`
	Total              int    `json:"total"`
	Processed          int    `json:"processed"`
	Completed          int    `json:"completed"`
	Failed             int    `json:"failed"`
	TimedOut           int    `json:"timed_out"`
	Annotated          int    `json:"annotated"`
	AnnotationDisabled int    `json:"annotation_disabled"`
	AnnotationFailed   int    `json:"annotation_failed"`
	Canceled           bool   `json:"canceled"`
}

// Orchestrator walks recordings through transcription and optional
// annotation, one at a time.
type Orchestrator struct {
	deps    Deps
	opts    Options
	log     *slog.Logger
	tracer  trace.Tracer
	metrics *metrics

	clock    func() time.Time
	newRunID func() string

	running sync.Mutex
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Repo == nil {
		return nil, errors.New("batch: repository is required")
	}
	if deps.Transcriber == nil {
		return nil, errors.New("batch: transcriber is required")
	}
	if opts.AnnotationEnabled && (deps.Publisher == nil || deps.Auth == nil) {
		return nil, errors.New("batch: annotation enabled without publisher or auth provider")
	}
	if opts.TranscribeTimeout <= 0 {
		return nil, errors.New("batch: transcribe timeout must be positive")
	}
	if deps.Notifier == nil {
		deps.Notifier = progress.Nop{}
	}
	if deps.Loader == nil {
		deps.Loader = clip.Load
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		log:      logger.With(slog.String("component", "batch")),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  newMetrics(),
		clock:    time.Now,
		newRunID: uuid.NewString,
	}, nil
}

// ProcessOne runs the pipeline for a single recording, regardless of its
// current status.
func (o *Orchestrator) ProcessOne(ctx context.Context, id string) (Report, error) {
	if !o.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	rec, err := o.deps.Repo.GetRecording(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Report{}, fmt.Errorf("%w: %w", ErrRecordingNotFound, err)
	}
	if err != nil {
		return Report{}, fmt.Errorf("load recording %s: %w", id, err)
	}
	return o.run(ctx, []recording.Recording{rec})
}

// ProcessAll runs the pipeline for every recording that has not started
// transcription, oldest capture first.
func (o *Orchestrator) ProcessAll(ctx context.Context) (Report, error) {
	if !o.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer o.running.Unlock()

	recs, err := o.deps.Repo.ListPending(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list pending recordings: %w", err)
	}
	return o.run(ctx, recs)
}

func (o *Orchestrator) run(ctx context.Context, recs []recording.Recording) (Report, error) {
	report := Report{RunID: o.newRunID(), Total: len(recs)}
	ctx, span := o.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.Int("run.total", report.Total),
	))
	defer span.End()

	log := o.log.With(slog.String("run_id", report.RunID))
	log.Info("batch run started", slog.Int("total", report.Total))
	started := o.clock()

	for i, rec := range recs {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		err := o.processItem(ctx, log, &report, rec, i+1)
		report.Processed++
		if err != nil {
			report.Canceled = true
			break
		}
	}

	o.deps.Notifier.Complete(progress.Completion{
		RunID:     report.RunID,
		Total:     report.Processed,
		Canceled:  report.Canceled,
		Timestamp: o.clock(),
	})

	log.Info("batch run finished",
		slog.Int("processed", report.Processed),
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Int("timed_out", report.TimedOut),
		slog.Int("annotated", report.Annotated),
		slog.Bool("canceled", report.Canceled),
		slog.Duration("took", o.clock().Sub(started)))

	if report.Canceled {
		span.SetStatus(codes.Error, "canceled")
		return report, ctx.Err()
	}
	return report, nil
}

// item carries per-item context through the pipeline steps.
type item struct {
	rec     recording.Recording
	current int
	total   int
	runID   string
	log     *slog.Logger
}

func (o *Orchestrator) emit(it *item, status progress.Status) {
	o.deps.Notifier.Progress(progress.Event{
		RunID:       it.runID,
		RecordingID: it.rec.ID,
		Filename:    it.rec.Filename(),
		Status:      status,
		Current:     it.current,
		Total:       it.total,
		Timestamp:   o.clock(),
	})
}

// processItem drives one recording. Failures are resolved into the record;
// only cancellation of ctx is returned.
func (o *Orchestrator) processItem(ctx context.Context, log *slog.Logger, report *Report, rec recording.Recording, current int) error {
	ctx, span := o.tracer.Start(ctx, "batch.item", trace.WithAttributes(
		attribute.String("recording.id", rec.ID),
		attribute.Int("item.current", current),
	))
	defer span.End()

	it := &item{
		rec:     rec,
		current: current,
		total:   report.Total,
		runID:   report.RunID,
		log:     log.With(slog.String("recording_id", rec.ID)),
	}

	updated, err := o.deps.Repo.UpdateRecording(ctx, rec.ID, func(r *recording.Recording) error {
		return r.BeginTranscription()
	})
	if err != nil {
		if ctx.Err() != nil {
			o.emit(it, progress.StatusError)
			o.metrics.item(ctx, outcomeCanceled)
			return ctx.Err()
		}
		it.log.Error("failed to mark recording processing", slogError(err))
		span.SetStatus(codes.Error, err.Error())
		report.Failed++
		o.metrics.item(ctx, outcomeFailed)
		o.emit(it, progress.StatusError)
		return nil
	}
	it.rec = updated
	o.emit(it, progress.StatusTranscribing)

	result := o.transcribe(ctx, it)
	switch {
	case result.canceled:
		o.resolve(ctx, it, func(r *recording.Recording) error {
			return r.FailTranscription("canceled: " + result.err.Error())
		})
		o.emit(it, progress.StatusError)
		o.metrics.item(ctx, outcomeCanceled)
		span.SetStatus(codes.Error, "canceled")
		return ctx.Err()

	case result.timedOut:
		msg := fmt.Sprintf("timeout: transcription exceeded %s", o.opts.TranscribeTimeout)
		it.log.Warn("transcription timed out", slog.Duration("timeout", o.opts.TranscribeTimeout))
		o.resolve(ctx, it, func(r *recording.Recording) error { return r.FailTranscription(msg) })
		report.TimedOut++
		o.metrics.item(ctx, outcomeTimeout)
		span.SetStatus(codes.Error, msg)
		o.emit(it, progress.StatusTimeout)
		return nil

	case result.err != nil:
		msg := "transcription failed: " + result.err.Error()
		it.log.Warn("transcription failed", slogError(result.err))
		o.resolve(ctx, it, func(r *recording.Recording) error { return r.FailTranscription(msg) })
		report.Failed++
		o.metrics.item(ctx, outcomeFailed)
		span.SetStatus(codes.Error, msg)
		o.emit(it, progress.StatusError)
		return nil
	}

	if !o.resolve(ctx, it, func(r *recording.Recording) error { return r.CompleteTranscription(result.text) }) {
		report.Failed++
		o.metrics.item(ctx, outcomeFailed)
		o.emit(it, progress.StatusError)
		return nil
	}
	report.Completed++
	o.metrics.item(ctx, outcomeCompleted)
	it.log.Info("transcription completed", slog.Bool("fallback", it.rec.UsedFallback))

	if o.opts.AnnotationEnabled {
		if err := o.annotate(ctx, it, report); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return err
		}
	}

	o.emit(it, progress.StatusComplete)
	return nil
}

// resolve persists a transition. The write is detached from ctx so an item
// that started is always left in a terminal state, even after cancellation.
// A failed write is logged and reported as false; the item is left as stored.
func (o *Orchestrator) resolve(ctx context.Context, it *item, fn func(*recording.Recording) error) bool {
	updated, err := o.deps.Repo.UpdateRecording(context.WithoutCancel(ctx), it.rec.ID, fn)
	if err != nil {
		it.log.Error("failed to persist recording status", slogError(err))
		return false
	}
	it.rec = updated
	return true
}

type transcription struct {
	text     string
	err      error
	timedOut bool
	canceled bool
}

// transcribe loads the clip and calls the transcriber under the per-item
// ceiling. The ceiling holds even if the transcriber ignores its context.
func (o *Orchestrator) transcribe(ctx context.Context, it *item) transcription {
	c, err := o.deps.Loader(it.rec.FilePath)
	if err != nil {
		return transcription{err: err}
	}

	tctx, cancel := context.WithTimeout(ctx, o.opts.TranscribeTimeout)
	defer cancel()

	started := o.clock()
	done := make(chan transcription, 1)
	go func() {
		res, err := o.deps.Transcriber.Transcribe(tctx, c)
		done <- transcription{text: res.Text, err: err}
	}()

	var out transcription
	select {
	case out = <-done:
	case <-tctx.Done():
		select {
		case out = <-done:
		default:
			out = transcription{err: tctx.Err()}
		}
	}

	// A cancelled run wins over whatever the transcriber returned.
	switch {
	case ctx.Err() != nil:
		out = transcription{err: ctx.Err(), canceled: true}
	case out.err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded):
		out = transcription{err: ErrTranscriptionTimeout, timedOut: true}
	}

	oc := outcomeCompleted
	switch {
	case out.canceled:
		oc = outcomeCanceled
	case out.timedOut:
		oc = outcomeTimeout
	case out.err != nil:
		oc = outcomeFailed
	}
	o.metrics.transcription(ctx, o.clock().Sub(started), oc)
	return out
}

// annotate runs the optional publish step. Only cancellation is returned.
func (o *Orchestrator) annotate(ctx context.Context, it *item, report *Report) error {
	if !o.resolve(ctx, it, func(r *recording.Recording) error { return r.BeginAnnotation() }) {
		report.AnnotationFailed++
		o.metrics.annotation(ctx, outcomeFailed)
		return nil
	}
	o.emit(it, progress.StatusCreatingAnnotation)

	token, ok, err := o.deps.Auth.AccessToken(ctx)
	if ctx.Err() != nil {
		return o.cancelAnnotation(ctx, it)
	}
	switch {
	case err != nil:
		it.log.Warn("auth state unavailable", slogError(err))
		o.resolve(ctx, it, func(r *recording.Recording) error { return r.FailAnnotation(err.Error()) })
		report.AnnotationFailed++
		o.metrics.annotation(ctx, outcomeFailed)
		return nil
	case !ok:
		o.resolve(ctx, it, func(r *recording.Recording) error { return r.DisableAnnotation() })
		report.AnnotationDisabled++
		o.metrics.annotation(ctx, outcomeDisabled)
		return nil
	}

	note := annotate.Note{
		Latitude:  it.rec.Latitude,
		Longitude: it.rec.Longitude,
		Text:      ComposeText(it.rec, o.opts.MaxTextLength),
	}
	pctx := ctx
	if o.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, o.opts.PublishTimeout)
		defer cancel()
	}
	res, err := o.deps.Publisher.CreateNote(pctx, note, token)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelAnnotation(ctx, it)
		}
		it.log.Warn("annotation publish failed", slogError(err))
		o.resolve(ctx, it, func(r *recording.Recording) error { return r.FailAnnotation(err.Error()) })
		report.AnnotationFailed++
		o.metrics.annotation(ctx, outcomeFailed)
		return nil
	}

	if !o.resolve(ctx, it, func(r *recording.Recording) error { return r.CompleteAnnotation(res.Message) }) {
		report.AnnotationFailed++
		o.metrics.annotation(ctx, outcomeFailed)
		return nil
	}
	report.Annotated++
	o.metrics.annotation(ctx, outcomeCompleted)
	it.log.Info("annotation published", slog.Int64("note_id", res.ID))
	return nil
}

func (o *Orchestrator) cancelAnnotation(ctx context.Context, it *item) error {
	o.resolve(ctx, it, func(r *recording.Recording) error {
		return r.FailAnnotation("canceled: " + ctx.Err().Error())
	})
	o.emit(it, progress.StatusError)
	o.metrics.annotation(ctx, outcomeCanceled)
	return ctx.Err()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
