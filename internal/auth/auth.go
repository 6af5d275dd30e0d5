package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrStorage wraps every failure to read, decode or persist the credential.
var ErrStorage = errors.New("auth storage")

const (
	credentialKey = "auth/credential"
	saltKey       = "auth/salt"

	DefaultProvider = "openstreetmap"
)

// Credential is the stored authentication state for the annotation service.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// Usable reports whether the credential can authorize a request.
func (c Credential) Usable() bool {
	return strings.TrimSpace(c.AccessToken) != ""
}

// Store is the key/value persistence the provider writes through. Get returns
// nil when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Provider answers whether a usable credential exists and returns it.
type Provider struct {
	store      Store
	passphrase []byte
	log        *slog.Logger

	mu     sync.Mutex
	sealer sealer
}

// NewProvider returns a provider over store. A non-empty passphrase enables
// sealing of the stored record.
func NewProvider(store Store, passphrase string, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		store:      store,
		passphrase: []byte(passphrase),
		log:        log.With(slog.String("component", "auth")),
	}
}

func (p *Provider) IsAuthenticated(ctx context.Context) (bool, error) {
	cred, ok, err := p.Credential(ctx)
	if err != nil {
		return false, err
	}
	return ok && cred.Usable(), nil
}

// AccessToken returns the stored token. ok is false when nothing usable is
// stored.
func (p *Provider) AccessToken(ctx context.Context) (string, bool, error) {
	cred, ok, err := p.Credential(ctx)
	if err != nil || !ok || !cred.Usable() {
		return "", false, err
	}
	return cred.AccessToken, true, nil
}

// Credential returns the full stored record.
func (p *Provider) Credential(ctx context.Context) (Credential, bool, error) {
	raw, err := p.store.Get(ctx, credentialKey)
	if err != nil {
		return Credential{}, false, fmt.Errorf("%w: read credential: %v", ErrStorage, err)
	}
	if raw == nil {
		return Credential{}, false, nil
	}
	s, err := p.getSealer(ctx)
	if err != nil {
		return Credential{}, false, err
	}
	plain, err := s.open(raw)
	if err != nil {
		return Credential{}, false, fmt.Errorf("%w: open credential: %v", ErrStorage, err)
	}
	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("%w: decode credential: %v", ErrStorage, err)
	}
	return cred, true, nil
}

// Save overwrites the stored record.
func (p *Provider) Save(ctx context.Context, cred Credential) error {
	if cred.Provider == "" {
		cred.Provider = DefaultProvider
	}
	plain, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("%w: encode credential: %v", ErrStorage, err)
	}
	s, err := p.getSealer(ctx)
	if err != nil {
		return err
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return fmt.Errorf("%w: seal credential: %v", ErrStorage, err)
	}
	if err := p.store.Set(ctx, credentialKey, sealed); err != nil {
		return fmt.Errorf("%w: write credential: %v", ErrStorage, err)
	}
	p.log.Info("credential saved", slog.String("provider", cred.Provider), slog.Bool("sealed", len(p.passphrase) > 0))
	return nil
}

// Clear removes the stored record. Clearing an empty store is not an error.
func (p *Provider) Clear(ctx context.Context) error {
	if err := p.store.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("%w: delete credential: %v", ErrStorage, err)
	}
	p.log.Info("credential cleared")
	return nil
}

func (p *Provider) getSealer(ctx context.Context) (sealer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealer != nil {
		return p.sealer, nil
	}
	if len(p.passphrase) == 0 {
		p.sealer = plainSealer{}
		return p.sealer, nil
	}

	salt, err := p.store.Get(ctx, saltKey)
	if err != nil {
		return nil, fmt.Errorf("%w: read salt: %v", ErrStorage, err)
	}
	if salt == nil {
		salt, err = newSalt()
		if err != nil {
			return nil, fmt.Errorf("%w: generate salt: %v", ErrStorage, err)
		}
		if err := p.store.Set(ctx, saltKey, salt); err != nil {
			return nil, fmt.Errorf("%w: write salt: %v", ErrStorage, err)
		}
	}
	s, err := newGCMSealer(p.passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	p.sealer = s
	return s, nil
}
