// Package credentials resolves authentication material for storage
// backends (Redis, NATS) at connect time, so secrets never live in
// configuration files. Providers range from static pairs for
// development to encrypted secrets managed through the Go Cloud
// Development Kit.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrProviderClosed is returned when using a closed provider.
	ErrProviderClosed = errors.New("credentials provider is closed")

	// ErrInvalidCredentials is returned when stored credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials is the username/password pair handed to a backend.
// Username may be empty for backends that authenticate with a bare
// password (Redis AUTH without ACLs).
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// Provider resolves the current credentials.
type Provider interface {
	// GetCredentials returns the credentials to use for the next
	// connection attempt.
	GetCredentials(ctx context.Context) (Credentials, error)

	// Close releases resources held by the provider.
	Close() error
}

// Static is a fixed-value provider for development and tests.
type Static struct {
	creds Credentials
}

var _ Provider = (*Static)(nil)

// NewStatic creates a provider that always returns the given pair.
func NewStatic(username, password string) *Static {
	return &Static{creds: Credentials{Username: username, Password: password}}
}

// GetCredentials returns the static pair.
func (p *Static) GetCredentials(ctx context.Context) (Credentials, error) {
	return p.creds, nil
}

// Close is a no-op.
func (p *Static) Close() error {
	return nil
}

// Env reads credentials from environment variables on every call, so
// rotated values are picked up without restarting.
type Env struct {
	usernameVar string
	passwordVar string
}

var _ Provider = (*Env)(nil)

// NewEnv creates a provider reading the given environment variables.
// usernameVar may be empty for password-only backends.
func NewEnv(usernameVar, passwordVar string) *Env {
	return &Env{usernameVar: usernameVar, passwordVar: passwordVar}
}

// GetCredentials reads the configured environment variables.
func (p *Env) GetCredentials(ctx context.Context) (Credentials, error) {
	password := os.Getenv(p.passwordVar)
	if password == "" {
		return Credentials{}, fmt.Errorf("environment variable %s is not set", p.passwordVar)
	}
	var username string
	if p.usernameVar != "" {
		username = os.Getenv(p.usernameVar)
	}
	return Credentials{Username: username, Password: password}, nil
}

// Close is a no-op.
func (p *Env) Close() error {
	return nil
}
