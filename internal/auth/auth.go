// Package auth is the identity provider: it turns a request into a user id.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	HeaderUserID = "X-User-ID"
	localsUserID = "user_id"
)

var (
	ErrMissingToken         = errors.New("missing bearer token")
	ErrInvalidTokenFormat   = errors.New("authorization header must be 'Bearer <token>'")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrInvalidSigningMethod = errors.New("unexpected signing method")
)

type Claims struct {
	jwt.RegisteredClaims
}

// Provider verifies HS256 bearer tokens whose subject is the user id. With
// an empty secret it trusts the X-User-ID header instead, for local use.
type Provider struct {
	secret []byte
}

func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(secret)}
}

func (p *Provider) Trusting() bool {
	return len(p.secret) == 0
}

// Issue signs a token for userID.
func (p *Provider) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

// Verify returns the user id carried by a bearer token.
func (p *Provider) Verify(authHeader string) (string, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return "", ErrMissingToken
	}
	scheme, tokenString, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
		return "", ErrInvalidTokenFormat
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSigningMethod
		}
		return p.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Middleware stores the caller's user id in the request locals or rejects
// the request with 401.
func (p *Provider) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var userID string
		if p.Trusting() {
			userID = strings.TrimSpace(c.Get(HeaderUserID))
			if userID == "" {
				return unauthorized(c, "missing "+HeaderUserID+" header")
			}
		} else {
			var err error
			userID, err = p.Verify(c.Get(fiber.HeaderAuthorization))
			if err != nil {
				return unauthorized(c, err.Error())
			}
		}

		c.Locals(localsUserID, userID)
		return c.Next()
	}
}

// UserID returns the id stored by Middleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(localsUserID).(string)
	return id
}

func unauthorized(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"error":   msg,
		"code":    "UNAUTHORIZED",
	})
}
