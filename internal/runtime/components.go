package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-notes/internal/annotate"
	"github.com/loqalabs/loqa-notes/internal/auth"
	"github.com/loqalabs/loqa-notes/internal/batch"
	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/progress"
	"github.com/loqalabs/loqa-notes/internal/store"
	"github.com/loqalabs/loqa-notes/internal/stt"
)

// Components are the long-lived pieces shared by the daemon and the CLI
// one-shot commands.
type Components struct {
	Config      config.Config
	Store       *store.Store
	Auth        *auth.Provider
	Transcriber stt.Transcriber
	Publisher   annotate.Publisher
	Logger      *slog.Logger
}

// OpenComponents opens the store and builds the configured backends.
func OpenComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	st, err := store.Open(ctx, cfg.Store, logger.With(slog.String("component", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var credStore auth.Store
	switch cfg.Auth.Backend {
	case "file":
		credStore = auth.NewFileStore(cfg.Auth.FilePath)
	default:
		credStore = st.KV()
	}

	transcriber, err := stt.New(cfg.STT, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build transcriber: %w", err)
	}
	publisher, err := annotate.New(cfg.Annotation, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build publisher: %w", err)
	}

	return &Components{
		Config:      cfg,
		Store:       st,
		Auth:        auth.NewProvider(credStore, cfg.Auth.Passphrase, logger),
		Transcriber: transcriber,
		Publisher:   publisher,
		Logger:      logger,
	}, nil
}

// Orchestrator builds a batch orchestrator reporting to notifier.
func (c *Components) Orchestrator(notifier progress.Notifier) (*batch.Orchestrator, error) {
	return batch.New(batch.Deps{
		Repo:        c.Store,
		Transcriber: c.Transcriber,
		Publisher:   c.Publisher,
		Auth:        c.Auth,
		Notifier:    notifier,
		Logger:      c.Logger,
	}, batch.OptionsFromConfig(c.Config))
}

// DisplayName resolves the account name for token when the publisher can.
func (c *Components) DisplayName(ctx context.Context, token string) (string, error) {
	if osm, ok := c.Publisher.(*annotate.OSMClient); ok {
		return osm.DisplayName(ctx, token)
	}
	return annotate.FallbackDisplayName, nil
}

func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
