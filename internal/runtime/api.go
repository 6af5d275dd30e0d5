package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/loqalabs/loqa-notes/internal/auth"
	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/protocol"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"github.com/loqalabs/loqa-notes/internal/store"
)

// RecordingReader is the read side of the recording store.
type RecordingReader interface {
	GetRecording(ctx context.Context, id string) (recording.Recording, error)
	ListRecordings(ctx context.Context, status recording.TranscriptionStatus) ([]recording.Recording, error)
}

// CredentialManager is the auth surface exposed over HTTP.
type CredentialManager interface {
	Credential(ctx context.Context) (auth.Credential, bool, error)
	Save(ctx context.Context, cred auth.Credential) error
	Clear(ctx context.Context) error
}

// Scheduler accepts run triggers.
type Scheduler interface {
	Enqueue(t Trigger) error
	Status() RunStatus
}

// APIDeps wires the HTTP API. Hub, Metrics, DisplayName and Ready are
// optional.
type APIDeps struct {
	Recordings  RecordingReader
	Credentials CredentialManager
	Scheduler   Scheduler
	Hub         *progress.Hub
	Metrics     http.Handler
	DisplayName func(ctx context.Context, token string) (string, error)
	Ready       func() bool
	Logger      *slog.Logger
	// TriggerRatePerMinute limits POST /v1/batch per client IP. Zero disables.
	TriggerRatePerMinute int
}

type api struct {
	deps APIDeps
	log  *slog.Logger
}

// NewRouter builds the chi router serving health, metrics and the v1 API.
func NewRouter(deps APIDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	a := &api{deps: deps, log: deps.Logger.With(slog.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/batch", a.handleBatchStatus)
		r.Get("/batch/events", a.handleBatchEvents)
		r.With(triggerLimit(deps.TriggerRatePerMinute)...).Post("/batch", a.handleBatchTrigger)
		r.Get("/recordings", a.handleListRecordings)
		r.Get("/recordings/{id}", a.handleGetRecording)
		r.Get("/auth", a.handleGetAuth)
		r.Put("/auth", a.handlePutAuth)
		r.Delete("/auth", a.handleDeleteAuth)
	})
	return r
}

func triggerLimit(perMinute int) []func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return nil
	}
	return []func(http.Handler) http.Handler{
		httprate.Limit(perMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded")
			}),
		),
	}
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.deps.Ready == nil || a.deps.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleBatchTrigger(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchTrigger
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}
	err = a.deps.Scheduler.Enqueue(Trigger{RecordingID: req.RecordingID, Requeue: req.Requeue, Source: "http"})
	if errors.Is(err, ErrQueueFull) {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "recording_id": strings.TrimSpace(req.RecordingID)})
}

func (a *api) handleBatchStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Scheduler.Status())
}

// handleBatchEvents streams hub updates as server-sent events until the
// client goes away.
func (a *api) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "progress stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, cancel := a.deps.Hub.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, open := <-updates:
			if !open {
				return
			}
			name, payload := sseFrame(u)
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func sseFrame(u progress.Update) (string, any) {
	if u.Completion != nil {
		c := u.Completion
		return "complete", protocol.BatchComplete{RunID: c.RunID, Total: c.Total, Canceled: c.Canceled, Timestamp: c.Timestamp.UTC()}
	}
	e := u.Event
	return "progress", protocol.BatchProgress{
		RunID:       e.RunID,
		RecordingID: e.RecordingID,
		Filename:    e.Filename,
		Status:      string(e.Status),
		Current:     e.Current,
		Total:       e.Total,
		Timestamp:   e.Timestamp.UTC(),
	}
}

func (a *api) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	status := recording.TranscriptionStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	recs, err := a.deps.Recordings.ListRecordings(r.Context(), status)
	if err != nil {
		a.log.Error("list recordings failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "list recordings failed")
		return
	}
	if recs == nil {
		recs = []recording.Recording{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := a.deps.Recordings.GetRecording(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "recording not found")
		return
	}
	if err != nil {
		a.log.Error("get recording failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "get recording failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type authState struct {
	Authenticated bool   `json:"authenticated"`
	DisplayName   string `json:"display_name,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

type authRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
}

func (a *api) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	cred, ok, err := a.deps.Credentials.Credential(r.Context())
	if err != nil {
		a.log.Error("read credential failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credential storage unavailable")
		return
	}
	state := authState{Authenticated: ok && cred.Usable()}
	if ok {
		state.DisplayName = cred.DisplayName
		state.Provider = cred.Provider
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) handlePutAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		writeError(w, http.StatusBadRequest, "access_token is required")
		return
	}
	cred := auth.Credential{
		AccessToken:  strings.TrimSpace(req.AccessToken),
		RefreshToken: req.RefreshToken,
		DisplayName:  req.DisplayName,
	}
	if cred.DisplayName == "" && a.deps.DisplayName != nil {
		name, err := a.deps.DisplayName(r.Context(), cred.AccessToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		cred.DisplayName = name
	}
	if err := a.deps.Credentials.Save(r.Context(), cred); err != nil {
		a.log.Error("save credential failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credential storage unavailable")
		return
	}
	a.handleGetAuth(w, r)
}

func (a *api) handleDeleteAuth(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Credentials.Clear(r.Context()); err != nil {
		a.log.Error("clear credential failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "credential storage unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
