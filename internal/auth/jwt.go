package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL applies when TokenConfig.TTL is unset.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail signature, expiry or claim checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims identify the client a resume token was issued to.
type Claims struct {
	ClientID int64  `json:"client_id"`
	Login    string `json:"login"`
	jwt.RegisteredClaims
}

// TokenConfig holds resume token settings.
type TokenConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
}

// Tokens issues and validates resume tokens handed out on successful AUTH.
type Tokens struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokens builds a token issuer. now may be nil to use the wall clock. An
// empty secret is replaced by a random one, so tokens only survive the process.
func NewTokens(cfg TokenConfig, now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte(uuid.NewString())
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	return &Tokens{cfg: cfg, now: now}
}

// Issue creates a signed token for the given client.
func (t *Tokens) Issue(clientID int64, login string) (string, error) {
	now := t.now()
	claims := Claims{
		ClientID: clientID,
		Login:    login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate parses a token and returns its claims.
func (t *Tokens) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	}
	if t.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
