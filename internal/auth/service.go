package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/backend-bullion/internal/common"
)

const (
	defaultAccessTTL = 15 * time.Minute
	rolesClaim       = "roles"
)

// RoleOperator may force payment from stored funds on behalf of a customer.
const RoleOperator = "operator"

// Service verifies access tokens issued by the identity provider. Tokens are
// HMAC-signed and carry the account in sub and its roles in a roles claim.
type Service struct {
	secret    []byte
	now       func() time.Time
	signer    jwa.SignatureAlgorithm
	validator TokenValidator
	issuer    string
	audience  string
	clockSkew time.Duration
}

// Config configures the auth service.
type Config struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Principal is the authenticated caller.
type Principal struct {
	AccountID string
	Roles     []string
}

// NewService constructs a Service instance with sane defaults.
func NewService(cfg Config) (*Service, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "dorado-identity"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "dorado-storefront"
	}
	clockSkew := max(cfg.ClockSkew, 0)

	return &Service{
		secret: []byte(secret),
		now:    time.Now,
		signer: jwa.HS256,
		validator: TokenValidator{
			Issuer:    issuer,
			Audience:  audience,
			ClockSkew: clockSkew,
			Algorithm: jwa.HS256,
		},
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
	}, nil
}

// WithNow allows tests to override the time provider.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ParseAccessToken validates an access token and returns its principal.
func (s *Service) ParseAccessToken(token string) (Principal, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Principal{}, common.Unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Principal{}, common.Unauthorized("invalid token", err)
	}
	if s.validator.Algorithm != "" && algorithm != s.validator.Algorithm {
		return Principal{}, common.Unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, s.secret), jwt.WithValidate(false))
	if err != nil {
		return Principal{}, common.Unauthorized("invalid token", err)
	}
	principal, err := s.validator.Principal(parsed, algorithm, s.now())
	if err != nil {
		return Principal{}, common.Unauthorized("invalid token", err)
	}
	return principal, nil
}

// SignAccessToken issues a token for subject. The storefront never logs users
// in itself; this exists for operator tooling and tests.
func (s *Service) SignAccessToken(subject string, roles []string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	builder := jwt.NewBuilder().
		Subject(subject).
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		IssuedAt(now).
		NotBefore(now.Add(-s.clockSkew)).
		Expiration(expiresAt)
	if len(roles) > 0 {
		builder = builder.Claim(rolesClaim, roles)
	}
	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(s.signer, s.secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// extractTokenAlgorithm reads alg from the protected header of a compact
// JWS. Unsigned and multi-signature tokens are refused before any key is
// tried.
func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", fmt.Errorf("auth: expected one signature, got %d", len(sigs))
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr == nil {
		return "", errors.New("auth: token missing protected headers")
	}
	switch alg := hdr.Algorithm(); alg {
	case "", jwa.NoSignature:
		return "", fmt.Errorf("auth: unusable token algorithm %q", alg)
	default:
		return alg, nil
	}
}
