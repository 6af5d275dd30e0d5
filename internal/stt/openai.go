package stt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/loqalabs/loqa-notes/internal/clip"
	"github.com/loqalabs/loqa-notes/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openAITranscriber calls a Whisper-compatible /audio/transcriptions endpoint.
type openAITranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAITranscriber(cfg config.STTConfig) Transcriber {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	return &openAITranscriber{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
	}
}

func (t *openAITranscriber) Transcribe(ctx context.Context, c clip.Clip) (Result, error) {
	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: c.Name(),
		Reader:   bytes.NewReader(c.Data),
		Language: t.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, fmt.Errorf("whisper transcription: %w", err)
	}
	return Result{Text: resp.Text}, nil
}
