// Package auth defines the session verification capability the hub depends
// on. Credential issuance (JWT or otherwise) lives outside this service;
// the hub only needs "opaque credential in, identity out".
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// ErrInvalidCredential is returned when a credential cannot be verified.
// The handshake must be refused and no connection state created.
var ErrInvalidCredential = errors.New("auth: invalid or expired credential")

// Session is the verified identity attached to a connection. It is
// immutable after verification.
type Session struct {
	UserID    string
	Roles     []string
	CreatedAt time.Time
}

// HasRole reports whether the session carries the named role.
func (s Session) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// Verifier turns an opaque bearer credential into a Session. Implementations
// must be safe for concurrent use; the hub calls Verify once per handshake.
type Verifier interface {
	Verify(credential string) (Session, error)
}

// TokenVerifier is a static bearer-token table. It backs the server binary
// and the tests; deployments with a real identity provider inject their
// own Verifier instead.
type TokenVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Session
}

// NewTokenVerifier creates an empty token table.
func NewTokenVerifier() *TokenVerifier {
	return &TokenVerifier{tokens: make(map[string]Session)}
}

// Add registers a credential for the given user and roles.
func (v *TokenVerifier) Add(token, userID string, roles ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = Session{
		UserID:    userID,
		Roles:     roles,
		CreatedAt: time.Now(),
	}
}

// Verify implements Verifier.
func (v *TokenVerifier) Verify(credential string) (Session, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sess, ok := v.tokens[credential]
	if !ok {
		return Session{}, ErrInvalidCredential
	}
	return sess, nil
}

// ParseTokenSpec parses the AUTH_TOKENS environment format:
// "token=user[:role1:role2],token2=user2". Used by the server binary.
func ParseTokenSpec(spec string) (*TokenVerifier, error) {
	v := NewTokenVerifier()
	for entry := range strings.SplitSeq(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, ident, ok := strings.Cut(entry, "=")
		if !ok || token == "" || ident == "" {
			return nil, fmt.Errorf("auth: malformed token entry %q", entry)
		}
		parts := strings.Split(ident, ":")
		v.Add(token, parts[0], parts[1:]...)
	}
	return v, nil
}
