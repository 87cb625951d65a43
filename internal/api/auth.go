package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StaticToken implements Authenticator with a fixed bearer token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Apply(req *http.Request) error {
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	return nil
}

// ServiceTokenAuth mints short-lived HS256 service tokens for the agent and
// reuses each one until shortly before it expires.
type ServiceTokenAuth struct {
	secret   []byte
	issuer   string
	subject  string
	lifetime time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewServiceTokenAuth creates an authenticator signing with secret. subject
// identifies the agent instance to the backend.
func NewServiceTokenAuth(secret, subject string, lifetime time.Duration) *ServiceTokenAuth {
	if lifetime <= 0 {
		lifetime = 10 * time.Minute
	}
	return &ServiceTokenAuth{
		secret:   []byte(secret),
		issuer:   "access-agent",
		subject:  subject,
		lifetime: lifetime,
		now:      time.Now,
	}
}

func (a *ServiceTokenAuth) Apply(req *http.Request) error {
	token, err := a.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// Token returns the cached token or signs a new one.
func (a *ServiceTokenAuth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.token != "" && now.Before(a.expires.Add(-time.Minute)) {
		return a.token, nil
	}

	expires := now.Add(a.lifetime)
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   a.subject,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing service token: %w", err)
	}
	a.token = signed
	a.expires = expires
	return signed, nil
}
