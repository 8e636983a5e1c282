package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	issuer   = "yolocam"
	audience = "yolocam-control"

	// ScopeControl grants the /api control surface
	ScopeControl = "control"
)

// Claims are carried by control API tokens. The subject is the operator and
// the token id names the login session.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Username returns the operator the token was issued to
func (c *Claims) Username() string {
	return c.Subject
}

// Session is an issued control API token
type Session struct {
	ID        string
	Token     string
	ExpiresAt time.Time
}

// JWTManager issues and verifies HS256 session tokens
type JWTManager struct {
	secretKey []byte
	expiry    time.Duration
	now       func() time.Time
	parser    *jwt.Parser
}

// NewJWTManager creates a JWT manager. An empty secret generates a random one,
// so sessions do not survive a restart.
func NewJWTManager(secret string, expiry time.Duration) *JWTManager {
	if secret == "" {
		randomBytes := make([]byte, 32)
		rand.Read(randomBytes)
		secret = hex.EncodeToString(randomBytes)
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}

	m := &JWTManager{
		secretKey: []byte(secret),
		expiry:    expiry,
		now:       time.Now,
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return m.now() }),
	)
	return m
}

// Issue starts a control session for username
func (m *JWTManager) Issue(username string) (*Session, error) {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		ExpiresAt: now.Add(m.expiry),
	}

	claims := &Claims{
		Scope: ScopeControl,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   username,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return nil, err
	}
	s.Token = token
	return s, nil
}

// Verify checks signature, issuer, audience, lifetime and scope
func (m *JWTManager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.Scope != ScopeControl || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
