package annotate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.HandlerFunc) *OSMClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Default().Annotation
	cfg.BaseURL = srv.URL + "/"
	cfg.RatePerSecond = 0
	return NewOSMClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateNote(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/0.6/notes.json", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "52.52", q.Get("lat"))
		assert.Equal(t, "-1.5", q.Get("lon"))
		assert.Equal(t, "pothole & broken lamp", q.Get("text"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"Feature","properties":{"id":4242,"status":"open"}}`))
	})

	res, err := client.CreateNote(context.Background(), Note{Latitude: 52.52, Longitude: -1.5, Text: "pothole & broken lamp"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), res.ID)
	assert.Equal(t, "Note created at 52.52,-1.5 (note 4242)", res.Message)
}

func TestCreateNoteWithoutJSONBody(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<osm/>`))
	})
	res, err := client.CreateNote(context.Background(), Note{Latitude: 1, Longitude: 2, Text: "x"}, "tok")
	require.NoError(t, err)
	assert.Equal(t, "Note created at 1,2", res.Message)
}

func TestCreateNoteErrors(t *testing.T) {
	unauthorized := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := unauthorized.CreateNote(context.Background(), Note{Text: "x"}, "bad")
	require.ErrorIs(t, err, ErrUnauthorized)

	broken := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "note text too long", http.StatusBadRequest)
	})
	_, err = broken.CreateNote(context.Background(), Note{Text: "x"}, "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
	assert.Contains(t, err.Error(), "note text too long")
}

func TestCreateNoteHonorsContext(t *testing.T) {
	release := make(chan struct{})
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.CreateNote(ctx, Note{Text: "x"}, "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCreateNoteRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()
	cfg := config.Default().Annotation
	cfg.BaseURL = srv.URL
	cfg.RatePerSecond = 0.001
	cfg.RateBurst = 1
	client := NewOSMClient(cfg, nil)

	_, err := client.CreateNote(context.Background(), Note{Text: "first"}, "tok")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.CreateNote(ctx, Note{Text: "second"}, "tok")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDisplayName(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/0.6/user/details.json", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"0.6","user":{"id":7,"display_name":"mapper_jo"}}`))
	})
	name, err := client.DisplayName(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "mapper_jo", name)
}

func TestDisplayNameFallback(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":{}}`))
	})
	name, err := client.DisplayName(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, FallbackDisplayName, name)

	failing := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	name, err = failing.DisplayName(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, FallbackDisplayName, name)

	rejected := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err = rejected.DisplayName(context.Background(), "tok")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestMockPublisher(t *testing.T) {
	pub, err := New(config.AnnotationConfig{Mode: "mock"}, nil)
	require.NoError(t, err)
	res, err := pub.CreateNote(context.Background(), Note{Latitude: 10, Longitude: 20, Text: "hi"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Note created at 10,20", res.Message)
	assert.Len(t, pub.(*MockPublisher).Notes(), 1)
}
