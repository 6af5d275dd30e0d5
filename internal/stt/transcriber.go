package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-notes/internal/clip"
	"github.com/loqalabs/loqa-notes/internal/config"
)

// Result captures transcriber output. Blank Text is a valid result.
type Result struct {
	Text       string
	Confidence float64
}

// Transcriber abstracts STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, c clip.Clip) (Result, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, c clip.Clip) (Result, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, c clip.Clip) (Result, error) {
	return f(ctx, c)
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.STTConfig, logger *slog.Logger) (Transcriber, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockTranscriber(), nil
	case "exec":
		t, err := NewExecTranscriber(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("stt exec backend ready", slog.String("command", cfg.Command))
		return t, nil
	case "openai":
		logger.Info("stt openai backend ready", slog.String("endpoint", cfg.Endpoint), slog.String("model", cfg.Model))
		return NewOpenAITranscriber(cfg), nil
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
