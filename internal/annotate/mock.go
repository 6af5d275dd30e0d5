package annotate

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-notes/internal/recording"
)

// MockPublisher records notes in memory.
type MockPublisher struct {
	mu    sync.Mutex
	notes []Note
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) CreateNote(ctx context.Context, note Note, _ string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, note)
	id := int64(len(m.notes))
	return Result{
		ID:      id,
		Message: fmt.Sprintf("Note created at %s", recording.FormatCoordinates(note.Latitude, note.Longitude)),
	}, nil
}

// Notes returns a copy of everything published so far.
func (m *MockPublisher) Notes() []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes...)
}
