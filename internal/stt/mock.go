package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-notes/internal/clip"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, c clip.Clip) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Text: fmt.Sprintf("[transcript %s length=%d]", c.Name(), len(c.Data)),
	}, nil
}
