package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenValidator checks the registered claims of a parsed access token and
// turns it into a Principal.
type TokenValidator struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Algorithm jwa.SignatureAlgorithm
}

// Principal validates tok and returns the account and roles it carries.
// algorithm is the alg header the token was signed with.
func (v TokenValidator) Principal(tok jwt.Token, algorithm jwa.SignatureAlgorithm, now time.Time) (Principal, error) {
	if tok == nil {
		return Principal{}, errors.New("auth: token is nil")
	}
	if v.Algorithm != "" && algorithm != v.Algorithm {
		return Principal{}, fmt.Errorf("auth: unexpected token algorithm %q", algorithm)
	}

	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(func() time.Time { return now })),
		jwt.WithAcceptableSkew(max(v.ClockSkew, 0)),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	if err := jwt.Validate(tok, opts...); err != nil {
		return Principal{}, err
	}

	account := strings.TrimSpace(tok.Subject())
	if account == "" {
		return Principal{}, errors.New("auth: token missing subject")
	}
	return Principal{AccountID: account, Roles: rolesFrom(tok)}, nil
}

// rolesFrom accepts the roles claim as a JSON array or a comma/space
// separated string. Duplicates and blanks are dropped.
func rolesFrom(tok jwt.Token) []string {
	raw, ok := tok.Get(rolesClaim)
	if !ok {
		return nil
	}
	var roles []string
	add := func(r string) {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	switch v := raw.(type) {
	case []string:
		for _, r := range v {
			add(r)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, r := range strings.Fields(strings.ReplaceAll(v, ",", " ")) {
			add(r)
		}
	}
	return roles
}
