package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/signaling/internal/v1/types"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	domain     string
	validator  *Validator
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	_ = key.Set(jwk.KeyIDKey, "test-kid")
	_ = key.Set(jwk.AlgorithmKey, "RS256")
	_ = key.Set(jwk.KeyUsageKey, "sig")

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/jwks.json" {
			buf, _ := json.Marshal(map[string]interface{}{"keys": []interface{}{key}})
			_, _ = w.Write(buf)
		}
	}))
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	domain := u.Host

	v, err := NewValidator(context.Background(), domain, "test-audience", jwk.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	return &jwksFixture{privateKey: privateKey, server: server, domain: domain, validator: v}
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = "https://" + f.domain + "/"
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = "test-audience"
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(f.privateKey)
	require.NoError(t, err)
	return signed
}

func TestValidateTokenMapsClaims(t *testing.T) {
	f := newJWKSFixture(t)

	signed := f.sign(t, jwt.MapClaims{
		"sub":  "user-42",
		"name": "Ada",
		"role": "admin",
	})

	user, err := f.validator.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-42", user.ID)
	assert.Equal(t, "Ada", user.Name)
	assert.Equal(t, types.UserRoleAdmin, user.Role)
}

func TestValidateTokenAdminFromScope(t *testing.T) {
	f := newJWKSFixture(t)

	signed := f.sign(t, jwt.MapClaims{
		"sub":   "user-7",
		"scope": "openid admin profile",
	})

	user, err := f.validator.ValidateToken(signed)
	require.NoError(t, err)
	assert.True(t, user.IsAdmin())
	// Name falls back to subject.
	assert.Equal(t, "user-7", user.Name)
}

func TestValidateTokenDefaultRole(t *testing.T) {
	f := newJWKSFixture(t)

	signed := f.sign(t, jwt.MapClaims{"sub": "user-1"})

	user, err := f.validator.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, types.UserRoleUser, user.Role)
}

func TestValidateTokenWrongAudience(t *testing.T) {
	f := newJWKSFixture(t)

	signed := f.sign(t, jwt.MapClaims{"sub": "user-1", "aud": "other-audience"})

	_, err := f.validator.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateTokenExpired(t *testing.T) {
	f := newJWKSFixture(t)

	signed := f.sign(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err := f.validator.ValidateToken(signed)
	assert.Error(t, err)
}

func TestValidateTokenRejectsAlgorithmConfusion(t *testing.T) {
	f := newJWKSFixture(t)

	// HS256 token carrying the known kid: the key func must reject the
	// method before any key material is used for verification.
	token := jwt.New(jwt.SigningMethodHS256)
	token.Header["kid"] = "test-kid"
	token.Claims = jwt.MapClaims{
		"aud": "test-audience",
		"iss": "https://" + f.domain + "/",
		"sub": "attacker",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = f.validator.ValidateToken(signed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected signing method")
}

func TestInsecureValidator(t *testing.T) {
	f := newJWKSFixture(t)
	signed := f.sign(t, jwt.MapClaims{"sub": "local-3", "name": "Local", "role": "admin"})

	v := &InsecureValidator{}
	user, err := v.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "local-3", user.ID)
	assert.True(t, user.IsAdmin())

	// Garbage token falls back to the dev identity.
	user, err = v.ValidateToken("not-a-jwt")
	require.NoError(t, err)
	assert.Equal(t, "dev-user", user.ID)
	assert.False(t, user.IsAdmin())
}
