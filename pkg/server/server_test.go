package server

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/pkg/server/router"
)

func testConfig() config.IssuerServiceConfig {
	return config.IssuerServiceConfig{
		Server: config.ServerConfig{
			Environment: config.EnvironmentTest,
			APIHost:     "0.0.0.0:0",
		},
		Services: config.ServicesConfig{
			StorageProvider: "memory",
			Issuance: config.IssuanceConfig{
				IssuerDID:                        "did:elsi:issuer",
				TrustedCertificationAuthorityDID: "did:elsi:trusted-ca",
				UIExternalDomain:                 "https://issuer.example.com",
				WalletURL:                        "https://wallet.example.com",
				CredentialValidity:               8760 * time.Hour,
			},
			Signer: config.SignerConfig{Endpoint: "https://signer.example.com/sign"},
			Email:  config.EmailConfig{SMTPHost: "localhost", SMTPPort: 2525, From: "noreply@example.com"},
		},
	}
}

func newTestServer(t *testing.T) *IssuerServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	shutdown := make(chan os.Signal, 1)
	issuerServer, err := NewIssuerServer(shutdown, testConfig())
	require.NoError(t, err)
	return issuerServer
}

func testAccessToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	builder := jwt.NewBuilder()
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	tok, err := builder.Build()
	require.NoError(t, err)
	tokenData, err := jwt.NewSerializer().Serialize(tok)
	require.NoError(t, err)
	signed, err := jws.Sign(tokenData, jws.WithKey(jwa.ES256, privKey))
	require.NoError(t, err)
	return string(signed)
}

func doRequest(s *IssuerServer, method, path, accessToken string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	w := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthCheckAPI(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodGet, HealthPrefix, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response router.GetHealthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, router.HealthOK, response.Status)
}

func TestReadinessAPI(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodGet, ReadinessPrefix, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response router.GetReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, response.Status.IsReady())
	assert.Len(t, response.ServiceStatuses, 4)
}

func TestIssuanceAPIAuth(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, "", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed token", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, "not.a.token", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestIssuanceAPIValidation(t *testing.T) {
	s := newTestServer(t)
	accessToken := testAccessToken(t, map[string]any{"jti": "nonce-1", "organizationIdentifier": "org-1"})

	t.Run("missing required fields", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, accessToken, map[string]any{
			"schema": "LEARCredentialEmployee",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported format", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, accessToken, map[string]any{
			"schema":  "LEARCredentialEmployee",
			"format":  "ldp_vc",
			"payload": map[string]any{"mandatee": map[string]any{"email": "a@b.com"}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unsupported schema", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, accessToken, map[string]any{
			"schema":  "DriverLicense",
			"format":  "jwt_vc",
			"payload": map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("push issuance without response uri", func(t *testing.T) {
		caToken := testAccessToken(t, map[string]any{"jti": "nonce-ca", "iss": "did:elsi:trusted-ca"})
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, caToken, map[string]any{
			"schema":  "VerifiableCertification",
			"format":  "jwt_vc",
			"payload": map[string]any{"company": map[string]any{"email": "ops@acme.com"}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("push issuance from untrusted signer", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+IssuancesPrefix, accessToken, map[string]any{
			"schema":        "VerifiableCertification",
			"format":        "jwt_vc",
			"operationMode": "SYNC",
			"responseUri":   "https://ca.example.com/cb",
			"payload":       map[string]any{"company": map[string]any{"email": "ops@acme.com"}},
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestNonceAPI(t *testing.T) {
	s := newTestServer(t)

	t.Run("unknown pre-authorized code", func(t *testing.T) {
		accessToken := testAccessToken(t, map[string]any{"jti": "nonce-1"})
		w := doRequest(s, http.MethodPost, V1Prefix+NoncesPrefix, "", map[string]any{
			"accessToken":       accessToken,
			"preAuthorizedCode": "never-issued",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doRequest(s, http.MethodPost, V1Prefix+NoncesPrefix, "", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeferredCredentialAPI(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, http.MethodPost, V1Prefix+CredentialsPrefix+DeferredPath, "", map[string]any{
		"transactionId": "unknown",
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestProcedureAPI(t *testing.T) {
	s := newTestServer(t)
	accessToken := testAccessToken(t, map[string]any{"jti": "nonce-1", "organizationIdentifier": "org-1"})

	t.Run("list is empty for a fresh organization", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, V1Prefix+ProceduresPrefix, accessToken, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("list without organization claim", func(t *testing.T) {
		tokenWithoutOrg := testAccessToken(t, map[string]any{"jti": "nonce-2"})
		w := doRequest(s, http.MethodGet, V1Prefix+ProceduresPrefix, tokenWithoutOrg, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown procedure is a 404", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, V1Prefix+ProceduresPrefix+"/missing", accessToken, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid page size", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, V1Prefix+ProceduresPrefix+"?pageSize=abc", accessToken, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
