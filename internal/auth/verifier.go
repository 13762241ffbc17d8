package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"growthscript/internal/queue"
)

const defaultLeeway = 30 * time.Second

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevoked      = errors.New("token revoked")
)

type claims struct {
	jwt.RegisteredClaims
	Email     string `json:"email"`
	SessionID string `json:"session_id"`
}

// Verifier validates HS256 access tokens signed with the provider's shared
// secret. Revoked token ids are tracked in redis until the token expires.
type Verifier struct {
	secret  []byte
	parser  *jwt.Parser
	revoked *queue.Deduplicator
	now     func() time.Time
}

// NewVerifier builds a verifier. audience may be empty; revoked may be nil
// when sign-out revocation is not wired.
func NewVerifier(secret, audience string, revoked *queue.Deduplicator) (*Verifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret must be set")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(defaultLeeway),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{
		secret:  []byte(secret),
		parser:  jwt.NewParser(opts...),
		revoked: revoked,
		now:     time.Now,
	}, nil
}

func (v *Verifier) Verify(ctx context.Context, tokenString string) (Session, error) {
	var c claims
	token, err := v.parser.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || c.Subject == "" {
		return Session{}, ErrInvalidToken
	}

	s := Session{
		UserID:  c.Subject,
		Email:   strings.ToLower(strings.TrimSpace(c.Email)),
		TokenID: c.ID,
	}
	if s.TokenID == "" {
		s.TokenID = c.SessionID
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}

	if v.revoked != nil && s.TokenID != "" {
		seen, err := v.revoked.Seen(ctx, s.TokenID)
		if err != nil {
			return Session{}, err
		}
		if seen {
			return Session{}, ErrRevoked
		}
	}
	return s, nil
}

// Revoke rejects the session's token until it would have expired anyway.
func (v *Verifier) Revoke(ctx context.Context, s Session) error {
	if v.revoked == nil || s.TokenID == "" {
		return nil
	}
	ttl := s.ExpiresAt.Sub(v.now()) + defaultLeeway
	if ttl <= 0 {
		return nil
	}
	return v.revoked.Remember(ctx, s.TokenID, ttl)
}
