// Package auth implements authentication and authorization for the opstat
// control API. Static bearer tokens come from the config file; short-lived
// tokens can be minted at runtime for operators that rotate credentials.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opstat/opstat/internal/config"
)

// Role defines the access level for API tokens.
type Role string

const (
	RoleViewer   Role = "viewer"   // can read statistics
	RoleOperator Role = "operator" // can read and reset statistics
	RoleAdmin    Role = "admin"    // full access including token minting
)

// Token represents an API token with metadata. Static tokens from the
// config file have a zero ExpiresAt and never expire.
type Token struct {
	ID        string    `json:"id"`
	Secret    string    `json:"-"` // never serialized
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// IsExpired returns whether the token has expired.
func (t Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// TokenManager handles API token validation, creation and rotation.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]Token // secret -> token
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenManager creates a token manager preloaded with the static
// tokens from cfg. ttl applies only to tokens minted via CreateToken.
func NewTokenManager(cfg config.AuthConfig, ttl time.Duration, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &TokenManager{
		tokens: make(map[string]Token),
		ttl:    ttl,
		logger: logger.With("component", "auth.TokenManager"),
	}
	for i, tc := range cfg.Tokens {
		m.tokens[tc.Secret] = Token{
			ID:        fmt.Sprintf("static-%d", i),
			Secret:    tc.Secret,
			Role:      Role(tc.Role),
			CreatedAt: time.Now(),
		}
	}
	return m
}

// CreateToken generates a new API token with the manager's TTL.
func (m *TokenManager) CreateToken(role Role) (Token, error) {
	secret, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token: %w", err)
	}

	id, err := generateSecret()
	if err != nil {
		return Token{}, fmt.Errorf("failed to generate token ID: %w", err)
	}

	token := Token{
		ID:        id[:16],
		Secret:    secret,
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[secret] = token
	m.mu.Unlock()

	m.logger.Info("token created",
		"token_id", token.ID,
		"role", role,
		"expires_at", token.ExpiresAt,
	)

	return token, nil
}

// ValidateToken checks if a token secret is valid and returns the token.
func (m *TokenManager) ValidateToken(secret string) (Token, error) {
	m.mu.RLock()
	token, ok := m.tokens[secret]
	m.mu.RUnlock()

	if !ok {
		return Token{}, fmt.Errorf("invalid token")
	}

	if token.IsExpired() {
		// Clean up expired token.
		m.mu.Lock()
		delete(m.tokens, secret)
		m.mu.Unlock()
		return Token{}, fmt.Errorf("token expired")
	}

	return token, nil
}

// RevokeToken removes a token.
func (m *TokenManager) RevokeToken(secret string) {
	m.mu.Lock()
	if token, ok := m.tokens[secret]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, secret)
	}
	m.mu.Unlock()
}

// CleanExpired removes all expired tokens.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for secret, token := range m.tokens {
		if token.IsExpired() {
			delete(m.tokens, secret)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of active (non-expired) tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.IsExpired() {
			count++
		}
	}
	return count
}

// HasPermission checks if a role has permission for an action.
func HasPermission(role Role, action string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return action != "token.create"
	case RoleViewer:
		return action == "stats.read" || action == "archive.read"
	default:
		return false
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
