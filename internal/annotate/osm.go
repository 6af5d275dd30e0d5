package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-notes/internal/config"
	"github.com/loqalabs/loqa-notes/internal/recording"
	"golang.org/x/time/rate"
)

// FallbackDisplayName is used when the user details lookup yields nothing.
const FallbackDisplayName = "OSM_User"

// OSMClient talks to the OpenStreetMap API v0.6.
type OSMClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewOSMClient(cfg config.AnnotationConfig, logger *slog.Logger) *OSMClient {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OSMClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.HTTPTimeout()},
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.With(slog.String("component", "osm")),
	}
}

type osmNote struct {
	Properties struct {
		ID int64 `json:"id"`
	} `json:"properties"`
}

// CreateNote posts a new note at the given coordinates.
func (c *OSMClient) CreateNote(ctx context.Context, note Note, token string) (Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(note.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(note.Longitude, 'f', -1, 64))
	q.Set("text", note.Text)
	endpoint := c.baseURL + "/api/0.6/notes.json?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build note request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("create note: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read note response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{}, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, fmt.Errorf("create note: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	res := Result{Message: fmt.Sprintf("Note created at %s", recording.FormatCoordinates(note.Latitude, note.Longitude))}
	var created osmNote
	if err := json.Unmarshal(body, &created); err == nil && created.Properties.ID > 0 {
		res.ID = created.Properties.ID
		res.Message = fmt.Sprintf("%s (note %d)", res.Message, res.ID)
	} else if err != nil {
		c.log.Debug("note response not json", slog.String("error", err.Error()))
	}
	return res, nil
}

type userDetails struct {
	User struct {
		DisplayName string `json:"display_name"`
	} `json:"user"`
}

// DisplayName resolves the account name for token. Lookup failures fall back
// to FallbackDisplayName; only an outright rejection of the token is an error.
func (c *OSMClient) DisplayName(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/0.6/user/details.json", nil)
	if err != nil {
		return "", fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("user details lookup failed", slog.String("error", err.Error()))
		return FallbackDisplayName, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("user details lookup failed", slog.Int("status", resp.StatusCode))
		return FallbackDisplayName, nil
	}

	var details userDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil || details.User.DisplayName == "" {
		return FallbackDisplayName, nil
	}
	return details.User.DisplayName, nil
}
