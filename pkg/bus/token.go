package bus

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/justnews/fabric/pkg/apierr"
)

// RegistrationToken authorizes one agent to complete self-registration
// against the bus (minted by TokenManager.Issue, then presented by the
// agent at startup).
type RegistrationToken struct {
	Token     string
	AgentName string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates registration tokens.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*RegistrationToken
}

func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*RegistrationToken)}
}

// Issue mints a token scoped to agentName, valid for ttl.
func (tm *TokenManager) Issue(agentName string, ttl time.Duration) (*RegistrationToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, apierr.Wrap("bus.issue_token", apierr.KindTransientInfra, err, "failed to generate token")
	}

	rt := &RegistrationToken{
		Token:     hex.EncodeToString(raw),
		AgentName: agentName,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	tm.mu.Lock()
	tm.tokens[rt.Token] = rt
	tm.mu.Unlock()
	return rt, nil
}

// Validate checks token and returns the agent name it authorizes.
func (tm *TokenManager) Validate(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	rt, ok := tm.tokens[token]
	if !ok {
		return "", apierr.New("bus.validate_token", apierr.KindNotFound, "invalid token")
	}
	if time.Now().After(rt.ExpiresAt) {
		return "", apierr.New("bus.validate_token", apierr.KindPrecondition, "token expired")
	}
	return rt.AgentName, nil
}

// Revoke invalidates a token immediately.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpired removes all expired tokens. Validate rejects expired
// tokens but never deletes them, so they stay in the registry until
// CleanupExpired or Revoke removes them.
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	for token, rt := range tm.tokens {
		if now.After(rt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}
