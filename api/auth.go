package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"os"
	"sync"
)

// Authentication errors
var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrAuthTokenMismatch = errors.New("auth token mismatch")
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled determines if authentication is required
	Enabled bool
	// Token is the secret token that clients must provide
	Token string
}

// Authenticator validates ingest connections.
type Authenticator struct {
	config AuthConfig
	mu     sync.RWMutex
}

// NewAuthenticator creates an Authenticator with the given config.
func NewAuthenticator(config AuthConfig) *Authenticator {
	return &Authenticator{config: config}
}

// NewAuthenticatorFromEnv creates an Authenticator from FED_AUTH_ENABLED and
// FED_AUTH_TOKEN. If auth is enabled without a token, a random one is
// generated.
func NewAuthenticatorFromEnv() *Authenticator {
	enabled := os.Getenv("FED_AUTH_ENABLED") == "true" || os.Getenv("FED_AUTH_ENABLED") == "1"
	token := os.Getenv("FED_AUTH_TOKEN")

	if enabled && token == "" {
		token = GenerateToken()
	}

	return NewAuthenticator(AuthConfig{Enabled: enabled, Token: token})
}

// IsEnabled returns true if authentication is enabled.
func (a *Authenticator) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Enabled
}

// GetToken returns the current auth token (for displaying to an operator).
func (a *Authenticator) GetToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config.Token
}

// ValidateToken checks a provided token in constant time.
func (a *Authenticator) ValidateToken(providedToken string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.config.Enabled {
		return nil
	}
	if providedToken == "" {
		return ErrAuthRequired
	}
	if subtle.ConstantTimeCompare([]byte(a.config.Token), []byte(providedToken)) != 1 {
		return ErrAuthTokenMismatch
	}
	return nil
}

// GenerateToken generates a cryptographically secure random token.
func GenerateToken() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "fedhive-default-token-change-me"
	}
	return hex.EncodeToString(bytes)
}

// AuthRequest is the first frame a client must send when auth is enabled.
type AuthRequest struct {
	Type  string `json:"type"` // must be "auth"
	Token string `json:"token"`
}

// AuthResponse reports the handshake outcome.
type AuthResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
