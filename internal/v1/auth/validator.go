// Package auth implements the Auth Provider boundary: JWT validation against
// a JWKS endpoint, mapping token claims to the authenticated principal the
// control plane attaches to a session.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/types"
)

// Claims are the JWT claims the signaling plane cares about.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Validator validates JWTs against the issuer's JWKS and maps claims to a
// principal. It implements types.TokenValidator.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator builds a Validator for the given issuer domain and audience.
// The JWKS endpoint is registered with a refreshing cache and fetched once to
// verify connectivity. Additional jwk.RegisterOption values may be supplied
// for testability.
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)

	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}

	// Fetch the keys once to ensure connectivity.
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// Enforce RS256 before touching key material.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}

		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}

		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}

		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}

		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and validates a JWT and returns the principal it
// carries. Admin status comes from the "role" claim, falling back to an
// "admin" entry in the scope claim.
func (v *Validator) ValidateToken(tokenString string) (*types.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims")
	}

	return userFromClaims(claims), nil
}

func userFromClaims(claims *Claims) *types.User {
	role := types.UserRoleUser
	if claims.Role == string(types.UserRoleAdmin) || hasScope(claims.Scope, "admin") {
		role = types.UserRoleAdmin
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return &types.User{
		ID:   claims.Subject,
		Name: name,
		Role: role,
	}
}

func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// environment, falling back to development defaults.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}

// InsecureValidator is a development-only validator that decodes the token
// payload without verifying the signature. It exists so local clients see
// stable identities when ENABLE_AUTH is off but a token is still supplied.
type InsecureValidator struct{}

func (m *InsecureValidator) ValidateToken(tokenString string) (*types.User, error) {
	claims := &Claims{}

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			_ = json.Unmarshal(payload, claims)
		}
	}

	if claims.Subject == "" {
		claims.Subject = "dev-user"
	}
	if claims.Name == "" {
		claims.Name = "Dev User"
	}

	return userFromClaims(claims), nil
}
