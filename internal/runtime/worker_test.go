package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-notes/internal/batch"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	block    chan struct{}
	done     chan struct{}
	requeued []recording.TranscriptionStatus
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{}, 16)}
}

func (f *fakeRunner) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRunner) wait() {
	if f.block != nil {
		<-f.block
	}
}

func (f *fakeRunner) ProcessOne(_ context.Context, id string) (batch.Report, error) {
	f.record("one:" + id)
	f.wait()
	f.done <- struct{}{}
	if id == "missing" {
		return batch.Report{}, batch.ErrRecordingNotFound
	}
	return batch.Report{RunID: "run-" + id, Total: 1, Processed: 1, Completed: 1}, nil
}

func (f *fakeRunner) ProcessAll(context.Context) (batch.Report, error) {
	f.record("all")
	f.wait()
	f.done <- struct{}{}
	return batch.Report{RunID: "run-all"}, nil
}

func (f *fakeRunner) Requeue(_ context.Context, status recording.TranscriptionStatus) (int, error) {
	f.mu.Lock()
	f.requeued = append(f.requeued, status)
	f.mu.Unlock()
	return 2, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, f *fakeRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for run")
		}
	}
}

func TestWorkerRunsTriggersInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runner := newFakeRunner()
	w := NewWorker(runner, runner, 4, discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	require.NoError(t, w.Enqueue(Trigger{RecordingID: " abc ", Source: "test"}))
	require.NoError(t, w.Enqueue(Trigger{Source: "test", Requeue: true}))
	require.NoError(t, w.Enqueue(Trigger{RecordingID: "missing", Source: "test"}))
	waitDone(t, runner, 3)

	require.Eventually(t, func() bool { return w.Status().Error != "" }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one:abc", "all", "one:missing"}, runner.Calls())
	assert.Equal(t, []recording.TranscriptionStatus{recording.TranscriptionError}, runner.requeued)

	st := w.Status()
	require.NotNil(t, st.Last)
	assert.Equal(t, "run-all", st.Last.RunID)
	assert.Contains(t, st.Error, "recording not found")

	cancel()
	require.NoError(t, <-stopped)
}

func TestWorkerRejectsWhenQueueFull(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	w := NewWorker(runner, nil, 1, discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, w.Enqueue(Trigger{Source: "first"}))
	require.Eventually(t, func() bool { return w.Status().Running }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Enqueue(Trigger{Source: "second"}))
	err := w.Enqueue(Trigger{Source: "third"})
	require.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1, w.Status().Queued)

	close(runner.block)
	waitDone(t, runner, 2)
	assert.Equal(t, []string{"all", "all"}, runner.Calls())
}
