package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, kid string, claims map[string]any) string {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tok := jwt.New()
	for k, v := range claims {
		require.NoError(t, tok.Set(k, v))
	}
	tokenData, err := json.Marshal(tok)
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	if kid != "" {
		require.NoError(t, hdrs.Set(jws.KeyIDKey, kid))
	}
	data, err := jws.Sign(tokenData, jws.WithKey(jwa.ES256, privateKey, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return string(data)
}

func TestParse(t *testing.T) {
	raw := signTestToken(t, "", map[string]any{
		"sub":                    "user-123",
		"iss":                    "https://issuer.example.com",
		"jti":                    "nonce-abc",
		"organizationIdentifier": "VATES-B12345678",
	})

	claims, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "https://issuer.example.com", claims.Issuer)
	assert.Equal(t, "nonce-abc", claims.JTI)
	assert.Equal(t, "VATES-B12345678", claims.OrganizationIdentifier)
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{"", "only.two", "not a token at all", "a.b.c"} {
		_, err := Parse(raw)
		assert.ErrorIs(t, err, ErrMalformedToken, "input: %q", raw)
	}
}

func TestExtractHolderDID(t *testing.T) {
	proof := signTestToken(t, "did:key:z6MkholderXYZ#keys-1", map[string]any{"nonce": "n-1"})

	did, err := ExtractHolderDID(proof)
	require.NoError(t, err)
	assert.Equal(t, "did:key:z6MkholderXYZ", did)

	nonce, err := Nonce(proof)
	require.NoError(t, err)
	assert.Equal(t, "n-1", nonce)
}

func TestExtractHolderDID_NoKid(t *testing.T) {
	proof := signTestToken(t, "", map[string]any{"nonce": "n-1"})
	_, err := ExtractHolderDID(proof)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestCleanBearer(t *testing.T) {
	assert.Equal(t, "abc", CleanBearer("Bearer abc"))
	assert.Equal(t, "abc", CleanBearer("abc"))
}
