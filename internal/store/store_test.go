package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), config.StoreConfig{Path: filepath.Join(t.TempDir(), "notes.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fixedClock returns a clock that only advances when told to.
func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestInsertAndGetRecording(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	captured := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	inserted, err := s.InsertRecording(ctx, recording.New("a", "/clips/a.wav", captured, 52.52, 13.405))
	require.NoError(t, err)
	assert.Equal(t, recording.TranscriptionNotStarted, inserted.TranscriptionStatus)
	assert.Equal(t, recording.AnnotationNotAttempted, inserted.AnnotationStatus)

	got, err := s.GetRecording(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(inserted, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertRejectsDuplicateAndInvalid(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertRecording(ctx, recording.New("a", "/clips/a.wav", time.Now(), 1, 2))
	require.NoError(t, err)

	_, err = s.InsertRecording(ctx, recording.New("a", "/clips/other.wav", time.Now(), 1, 2))
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.InsertRecording(ctx, recording.New("b", "/clips/b.wav", time.Now(), 95, 2))
	require.Error(t, err)

	got, err := s.GetRecording(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "/clips/a.wav", got.FilePath)
}

func TestGetRecordingNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRecording(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRecordingsOrderAndFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, rec := range []recording.Recording{
		recording.New("c", "/c.wav", base.Add(2*time.Hour), 0, 0),
		recording.New("b", "/b.wav", base, 0, 0),
		recording.New("a", "/a.wav", base, 0, 0),
	} {
		_, err := s.InsertRecording(ctx, rec)
		require.NoError(t, err)
	}

	_, err := s.UpdateRecording(ctx, "b", func(r *recording.Recording) error {
		r.BeginTranscription()
		return r.CompleteTranscription("hello")
	})
	require.NoError(t, err)

	all, err := s.ListRecordings(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids(all))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(pending))

	done, err := s.ListRecordings(ctx, recording.TranscriptionCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "hello", done[0].TranscriptionResult)
}

func TestUpdateRecordingAdvancesUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock, advance := fixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.clock = clock

	rec, err := s.InsertRecording(ctx, recording.New("a", "/a.wav", time.Time{}, 0, 0))
	require.NoError(t, err)

	first, err := s.UpdateRecording(ctx, "a", func(r *recording.Recording) error {
		r.BeginTranscription()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, first.UpdatedAt.After(rec.UpdatedAt), "clock did not move but UpdatedAt must")

	advance(time.Second)
	second, err := s.UpdateRecording(ctx, "a", func(r *recording.Recording) error {
		return r.FailTranscription("boom")
	})
	require.NoError(t, err)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, rec.CreatedAt, second.CreatedAt)

	stored, err := s.GetRecording(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, recording.TranscriptionError, stored.TranscriptionStatus)
	assert.Equal(t, "boom", stored.ErrorMessage)
}

func TestUpdateRecordingAbortsOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.InsertRecording(ctx, recording.New("a", "/a.wav", time.Now(), 0, 0))
	require.NoError(t, err)

	sentinel := errors.New("nope")
	_, err = s.UpdateRecording(ctx, "a", func(r *recording.Recording) error {
		r.BeginTranscription()
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := s.GetRecording(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, recording.TranscriptionNotStarted, got.TranscriptionStatus)

	_, err = s.UpdateRecording(ctx, "missing", func(*recording.Recording) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequeue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := s.InsertRecording(ctx, recording.New(id, "/"+id+".wav", time.Now(), 0, 0))
		require.NoError(t, err)
		_, err = s.UpdateRecording(ctx, id, func(r *recording.Recording) error {
			r.BeginTranscription()
			return r.FailTranscription("timeout")
		})
		require.NoError(t, err)
	}

	n, err := s.Requeue(ctx, recording.TranscriptionError)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, rec := range pending {
		assert.Empty(t, rec.ErrorMessage)
		assert.Equal(t, recording.AnnotationNotAttempted, rec.AnnotationStatus)
	}
}

func TestKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	kv := s.KV()

	val, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, kv.Set(ctx, "auth/credential", []byte("one")))
	require.NoError(t, kv.Set(ctx, "auth/credential", []byte("two")))
	require.NoError(t, kv.Set(ctx, "auth/salt", []byte{0x01, 0x02}))

	val, err = kv.Get(ctx, "auth/credential")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), val)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth/credential", "auth/salt"}, keys)

	require.NoError(t, kv.Delete(ctx, "auth/credential"))
	require.NoError(t, kv.Delete(ctx, "auth/credential"))
	val, err = kv.Get(ctx, "auth/credential")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "notes.db")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Path: path}, log)
	require.NoError(t, err)
	_, err = s.InsertRecording(ctx, recording.New("a", "/a.wav", time.Now(), 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{Path: path, VacuumOnStart: true}, log)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRecording(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func ids(recs []recording.Recording) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestUpdateRecordingConcurrentWriters(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.StoreConfig{Path: filepath.Join(t.TempDir(), "notes.db")}
	ctx := context.Background()

	first, err := Open(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := Open(ctx, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	_, err = first.InsertRecording(ctx, recording.New("a", "/clips/a.wav", time.Now(), 1, 2))
	require.NoError(t, err)

	const perStore = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*perStore)
	for _, s := range []*Store{first, second} {
		for i := 0; i < perStore; i++ {
			wg.Add(1)
			go func(s *Store) {
				defer wg.Done()
				_, err := s.UpdateRecording(ctx, "a", func(r *recording.Recording) error {
					r.TranscriptionResult += "x"
					return nil
				})
				errs <- err
			}(s)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rec, err := first.GetRecording(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, rec.TranscriptionResult, 2*perStore, "every increment must survive")
}
