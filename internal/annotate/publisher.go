package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-notes/internal/config"
)

// ErrUnauthorized is returned when the service rejects the bearer credential.
var ErrUnauthorized = errors.New("annotation service rejected credential")

// Note is one map annotation to publish.
type Note struct {
	Latitude  float64
	Longitude float64
	Text      string
}

// Result describes a created note.
type Result struct {
	ID      int64
	Message string
}

// Publisher creates remote map annotations.
type Publisher interface {
	CreateNote(ctx context.Context, note Note, token string) (Result, error)
}

// New builds the publisher selected by cfg.Mode.
func New(cfg config.AnnotationConfig, logger *slog.Logger) (Publisher, error) {
	switch cfg.Mode {
	case "", "osm":
		return NewOSMClient(cfg, logger), nil
	case "mock":
		return NewMockPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown annotation mode %q", cfg.Mode)
	}
}
