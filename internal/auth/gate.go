// Package auth verifies bearer tokens and hashes account passwords.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/caiyusheng650/SocketChatAI/internal/domain"
)

// userIDClaim mirrors the subject for clients that read a named claim.
const userIDClaim = "userId"

// Gate issues and verifies HS256 JWTs.
type Gate struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewGate creates a gate signing with secret; tokens live for ttl.
func NewGate(secret string, ttl time.Duration) *Gate {
	return &Gate{key: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for identity.
func (g *Gate) Issue(identity string) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("%w: identity is required", domain.ErrValidation)
	}
	issued := g.now()
	tok, err := jwt.NewBuilder().
		Subject(identity).
		Claim(userIDClaim, identity).
		IssuedAt(issued).
		Expiration(issued.Add(g.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256(), g.key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Authenticate verifies token and returns the identity it carries.
// Any failure wraps domain.ErrInvalidToken.
func (g *Gate) Authenticate(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("%w: token is empty", domain.ErrInvalidToken)
	}
	tok, err := jwt.Parse([]byte(token),
		jwt.WithKey(jwa.HS256(), g.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(g.now)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	if sub, ok := tok.Subject(); ok && sub != "" {
		return sub, nil
	}
	var uid string
	if err := tok.Get(userIDClaim, &uid); err == nil && uid != "" {
		return uid, nil
	}
	return "", fmt.Errorf("%w: token carries no identity", domain.ErrInvalidToken)
}
