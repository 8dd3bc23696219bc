package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"
)

const verifierTokenEndpoint = "https://verifier.example.com/oauth2/token"

func testAssertionKey(t *testing.T) jwk.Key {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	key, err := jwk.FromRaw(privKey)
	require.NoError(t, err)
	return key
}

// testMachineCredential signs a minimal machine credential and returns it
// base64 encoded the way it is configured.
func testMachineCredential(t *testing.T, subject string) string {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tok, err := jwt.NewBuilder().
		Subject(subject).
		Issuer("did:elsi:marketplace").
		Expiration(time.Now().Add(24 * time.Hour)).
		Build()
	require.NoError(t, err)
	tokenData, err := jwt.NewSerializer().Serialize(tok)
	require.NoError(t, err)

	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.KeyIDKey, "did:elsi:machine#key-1"))
	signed, err := jws.Sign(tokenData, jws.WithKey(jwa.ES256, privKey, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(signed)
}

func TestNewM2MTokenClient(t *testing.T) {
	key := testAssertionKey(t)

	t.Run("derives client id from the machine credential subject", func(t *testing.T) {
		client, err := NewM2MTokenClient(verifierTokenEndpoint, testMachineCredential(t, "did:elsi:machine"), key)
		require.NoError(t, err)
		assert.Equal(t, "did:elsi:machine", client.clientID)
	})

	t.Run("rejects bad base64", func(t *testing.T) {
		_, err := NewM2MTokenClient(verifierTokenEndpoint, "not base64 at all!", key)
		assert.Error(t, err)
	})

	t.Run("rejects a credential without subject", func(t *testing.T) {
		_, err := NewM2MTokenClient(verifierTokenEndpoint, testMachineCredential(t, ""), key)
		assert.Error(t, err)
	})

	t.Run("requires an assertion key", func(t *testing.T) {
		_, err := NewM2MTokenClient(verifierTokenEndpoint, testMachineCredential(t, "did:elsi:machine"), nil)
		assert.Error(t, err)
	})
}

func TestGetToken(t *testing.T) {
	key := testAssertionKey(t)
	client, err := NewM2MTokenClient(verifierTokenEndpoint, testMachineCredential(t, "did:elsi:machine"), key)
	require.NoError(t, err)

	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	client.Clock = mockClock

	t.Run("exchanges a client assertion for an access token", func(t *testing.T) {
		defer gock.Off()
		gock.InterceptClient(client.client)

		var form url.Values
		gock.New("https://verifier.example.com").
			Post("/oauth2/token").
			MatchHeader("Content-Type", "application/x-www-form-urlencoded").
			AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
				if err := req.ParseForm(); err != nil {
					return false, err
				}
				form = req.PostForm
				return true, nil
			}).
			Reply(200).
			BodyString(`{"access_token":"m2m-token","token_type":"Bearer","expires_in":3600}`)

		accessToken, err := client.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "m2m-token", accessToken.AccessToken)
		assert.Equal(t, "Bearer", accessToken.TokenType)
		assert.EqualValues(t, 3600, accessToken.ExpiresIn)

		assert.Equal(t, "client_credentials", form.Get("grant_type"))
		assert.Equal(t, "did:elsi:machine", form.Get("client_id"))
		assert.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", form.Get("client_assertion_type"))

		pubKey, err := key.PublicKey()
		require.NoError(t, err)
		assertion, err := jwt.Parse([]byte(form.Get("client_assertion")), jwt.WithKey(jwa.ES256, pubKey), jwt.WithClock(mockClock))
		require.NoError(t, err)
		assert.Equal(t, "did:elsi:machine", assertion.Subject())

		vpTokenClaim, ok := assertion.Get("vp_token")
		require.True(t, ok)
		vpToken, err := jwt.Parse([]byte(vpTokenClaim.(string)), jwt.WithKey(jwa.ES256, pubKey), jwt.WithClock(mockClock))
		require.NoError(t, err)
		vpClaim, ok := vpToken.Get("vp")
		require.True(t, ok)
		vp := vpClaim.(map[string]any)
		assert.Equal(t, "did:elsi:machine", vp["holder"])
	})

	t.Run("non 2xx is an error", func(t *testing.T) {
		defer gock.Off()
		gock.InterceptClient(client.client)

		gock.New("https://verifier.example.com").
			Post("/oauth2/token").
			Reply(401).
			BodyString(`{"error":"invalid_client"}`)

		_, err := client.GetToken(context.Background())
		assert.Error(t, err)
	})
}
