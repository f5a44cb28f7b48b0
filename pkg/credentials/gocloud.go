package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper drivers are opt-in; import the ones you deploy with:
	//   _ "gocloud.dev/secrets/awskms"
	//   _ "gocloud.dev/secrets/gcpkms"
	//   _ "gocloud.dev/secrets/azurekeyvault"
	//   _ "gocloud.dev/secrets/hashivault"
	//   _ "gocloud.dev/secrets/localsecrets"
)

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long decrypted credentials are cached before
// the sealed file is read again. Defaults to 5 minutes.
func WithCacheTTL(d time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.cacheTTL = d
	}
}

// SecretProvider reads credentials from a sealed file, decrypted
// through a Go Cloud secrets keeper. The keeper URL selects the
// backing service (awskms://, gcpkms://, hashivault://, base64key://
// for local development).
type SecretProvider struct {
	keeper   *secrets.Keeper
	path     string
	cacheTTL time.Duration

	mu     sync.Mutex
	cached Credentials
	expiry time.Time
	closed bool
}

var _ Provider = (*SecretProvider)(nil)

// NewSecretProvider opens the keeper and verifies the sealed file can
// be decrypted.
func NewSecretProvider(ctx context.Context, keeperURL, path string, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}
	if path == "" {
		return nil, fmt.Errorf("sealed file path is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper:   keeper,
		path:     path,
		cacheTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.load(ctx); err != nil {
		keeper.Close()
		return nil, err
	}
	return p, nil
}

// GetCredentials returns cached credentials, re-reading the sealed
// file once the cache expires.
func (p *SecretProvider) GetCredentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Credentials{}, ErrProviderClosed
	}
	if time.Now().Before(p.expiry) {
		creds := p.cached
		p.mu.Unlock()
		return creds, nil
	}
	p.mu.Unlock()

	return p.load(ctx)
}

// Refresh drops the cache and re-reads the sealed file, picking up a
// rotated secret immediately.
func (p *SecretProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	p.expiry = time.Time{}
	p.mu.Unlock()
	_, err := p.load(ctx)
	return err
}

func (p *SecretProvider) load(ctx context.Context) (Credentials, error) {
	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read sealed file: %w", err)
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if creds.Password == "" {
		return Credentials{}, fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Credentials{}, ErrProviderClosed
	}
	p.cached = creds
	p.expiry = time.Now().Add(p.cacheTTL)
	return creds, nil
}

// Close closes the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.keeper.Close()
}

// Seal encrypts credentials with the keeper at keeperURL and writes
// the ciphertext to path. Used by deployment tooling to produce the
// sealed file a SecretProvider reads.
func Seal(ctx context.Context, keeperURL, path string, creds Credentials) error {
	if creds.Password == "" {
		return fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write sealed file: %w", err)
	}
	return nil
}
