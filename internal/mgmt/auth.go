package mgmt

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Role defines the access level for a caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Principal is an authenticated caller.
type Principal struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode   string               // "api-key", "jwt" or "none"
	APIKey string               // admin key, from MGMT_API_KEY
	Keys   map[string]Principal // additional api-key → principal mapping
	// JWTSecret verifies HS256 operator tokens. The subject names the actor
	// and the "role" claim the role.
	JWTSecret string
}

// OperatorClaims are the claims of an operator token.
type OperatorClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// IssueOperatorToken signs an operator token. Used by accessctl and tests.
func IssueOperatorToken(secret, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := OperatorClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func isProbe(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware returns a Fiber middleware that validates the Authorization header.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip auth in "none" mode
		if cfg.Mode == "none" {
			c.Locals("principal", Principal{Name: c.Get("X-Actor", "local"), Role: RoleAdmin})
			return c.Next()
		}

		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		if cfg.APIKey != "" && token == cfg.APIKey {
			c.Locals("principal", Principal{Name: c.Get("X-Actor", "admin"), Role: RoleAdmin})
			return c.Next()
		}

		if p, ok := cfg.Keys[token]; ok {
			c.Locals("principal", p)
			return c.Next()
		}

		if cfg.JWTSecret != "" {
			p, err := parseOperatorToken(cfg.JWTSecret, token)
			if err == nil {
				c.Locals("principal", p)
				return c.Next()
			}
			logger.Debug().Err(err).Msg("operator token rejected")
		}

		logger.Warn().
			Str("path", path).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid credentials")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

func parseOperatorToken(secret, raw string) (Principal, error) {
	var claims OperatorClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	if _, ok := roleLevel[claims.Role]; !ok {
		return Principal{}, errors.New("token has unknown role")
	}
	return Principal{Name: claims.Subject, Role: claims.Role}, nil
}

func principalOf(c *fiber.Ctx) Principal {
	p, _ := c.Locals("principal").(Principal)
	return p
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if roleLevel[principalOf(c).Role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
