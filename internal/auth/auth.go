package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scope distinguishes cross-tenant tokens from ordinary tenant tokens.
type Scope string

const (
	ScopeTenant     Scope = "tenant"
	ScopeSuperAdmin Scope = "superadmin"
)

const bearerPrefix = "bearer "

// Claims is the verified payload of a bearer credential.
type Claims struct {
	UserID         string   `json:"userId"`
	OrganizationID *string  `json:"organizationId,omitempty"`
	Role           string   `json:"role"`
	Permissions    []string `json:"permissions,omitempty"`
	Scope          Scope    `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// IsSuperAdmin reports whether the claims carry the superadmin scope.
func (c *Claims) IsSuperAdmin() bool {
	return c != nil && c.Scope == ScopeSuperAdmin
}

// Codec signs and verifies HS256 bearer tokens.
type Codec struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		c.issuer = strings.TrimSpace(issuer)
	}
}

// WithLeeway tolerates clock skew when checking exp, nbf and iat.
func WithLeeway(d time.Duration) CodecOption {
	return func(c *Codec) {
		if d > 0 {
			c.leeway = d
		}
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec for the shared secret.
func NewCodec(secret []byte, opts ...CodecOption) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errMissingSecret
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign issues a token for claims. A positive ttl sets the expiry relative to now; otherwise the
// claims must already carry one.
func (c *Codec) Sign(claims Claims, ttl time.Duration) (string, error) {
	if strings.TrimSpace(claims.UserID) == "" {
		return "", errors.New("auth: userId is required")
	}
	now := c.now().UTC()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.ExpiresAt == nil {
		return "", errors.New("auth: token expiry is required")
	}
	if claims.Subject == "" {
		claims.Subject = claims.UserID
	}
	if claims.Issuer == "" {
		claims.Issuer = c.issuer
	}
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of raw and decodes its claims.
func (c *Codec) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(c.leeway))
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if err := validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformed
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}

func validateClaims(claims *Claims) error {
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return fmt.Errorf("%w: userId missing", ErrMalformed)
	}
	if strings.TrimSpace(claims.Role) == "" {
		return fmt.Errorf("%w: role missing", ErrMalformed)
	}
	switch claims.Scope {
	case "", ScopeTenant, ScopeSuperAdmin:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrMalformed, claims.Scope)
	}
	for _, p := range claims.Permissions {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty permission code", ErrMalformed)
		}
	}
	return nil
}

// ExtractToken isolates the bearer token from an Authorization header value. It reports false
// when the header is absent, blank, or uses another scheme.
func ExtractToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
