// Package identity obtains machine-to-machine access tokens from the
// marketplace verifier. The issuer authenticates with a verifiable
// presentation of its machine credential instead of a client secret.
package identity

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/internal/token"
	"github.com/openvci/issuer-service/internal/util"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	grantTypeValue      = "client_credentials"

	assertionValidity = 5 * time.Minute
	tokenTimeout      = 15 * time.Second
)

// AccessToken is the verifier's token endpoint response.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenSource produces access tokens for outbound calls.
type TokenSource interface {
	GetToken(ctx context.Context) (*AccessToken, error)
}

// M2MTokenClient requests client_credentials tokens from the verifier. The
// client assertion wraps the configured machine credential in a verifiable
// presentation signed with the assertion key.
type M2MTokenClient struct {
	Clock clock.Clock

	client            *http.Client
	tokenEndpoint     string
	machineCredential string
	clientID          string
	assertionKey      jwk.Key
}

// NewM2MTokenClient builds a token client. machineCredentialB64 is the base64
// encoded compact machine credential; its subject becomes the OAuth2 client id.
func NewM2MTokenClient(tokenEndpoint, machineCredentialB64 string, assertionKey jwk.Key) (*M2MTokenClient, error) {
	if tokenEndpoint == "" {
		return nil, errors.New("token endpoint is required")
	}
	if assertionKey == nil {
		return nil, errors.New("assertion key is required")
	}
	credentialBytes, err := base64.StdEncoding.DecodeString(machineCredentialB64)
	if err != nil {
		return nil, errors.Wrap(err, "decoding machine credential")
	}
	machineCredential := strings.TrimSpace(string(credentialBytes))
	claims, err := token.Parse(machineCredential)
	if err != nil {
		return nil, errors.Wrap(err, "parsing machine credential")
	}
	if claims.Subject == "" {
		return nil, errors.New("machine credential has no subject")
	}
	return &M2MTokenClient{
		Clock:             clock.New(),
		client:            &http.Client{Timeout: tokenTimeout},
		tokenEndpoint:     tokenEndpoint,
		machineCredential: machineCredential,
		clientID:          claims.Subject,
		assertionKey:      assertionKey,
	}, nil
}

// GetToken exchanges a fresh client assertion for an access token.
func (m *M2MTokenClient) GetToken(ctx context.Context) (*AccessToken, error) {
	assertion, err := m.buildClientAssertion()
	if err != nil {
		return nil, errors.Wrap(err, "building client assertion")
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeValue)
	form.Set("client_id", m.clientID)
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting token")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading token response")
	}
	if !util.Is2xxResponse(resp.StatusCode) {
		return nil, errors.Errorf("token endpoint returned %d: %s", resp.StatusCode, util.SanitizeLog(string(body)))
	}

	var accessToken AccessToken
	if err = json.Unmarshal(body, &accessToken); err != nil {
		return nil, errors.Wrap(err, "unmarshalling token response")
	}
	if accessToken.AccessToken == "" {
		return nil, errors.New("token endpoint returned an empty token")
	}
	return &accessToken, nil
}

// buildClientAssertion signs a token whose vp_token claim carries the machine
// credential inside a one-off verifiable presentation.
func (m *M2MTokenClient) buildClientAssertion() (string, error) {
	now := m.Clock.Now().UTC()
	exp := now.Add(assertionValidity)

	vpToken, err := m.buildVPToken(now, exp)
	if err != nil {
		return "", err
	}

	assertion, err := jwt.NewBuilder().
		Subject(m.clientID).
		Issuer(m.clientID).
		Audience([]string{m.tokenEndpoint}).
		IssuedAt(now).
		Expiration(exp).
		JwtID(uuid.NewString()).
		Claim("vp_token", vpToken).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(assertion, jwt.WithKey(jwa.ES256, m.assertionKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func (m *M2MTokenClient) buildVPToken(now, exp time.Time) (string, error) {
	presentation := map[string]any{
		"@context":             []string{"https://www.w3.org/2018/credentials/v1"},
		"id":                   "urn:uuid:" + uuid.NewString(),
		"type":                 []string{"VerifiablePresentation"},
		"holder":               m.clientID,
		"verifiableCredential": []string{m.machineCredential},
	}

	vpToken, err := jwt.NewBuilder().
		Subject(m.clientID).
		Issuer(m.clientID).
		NotBefore(now).
		IssuedAt(now).
		Expiration(exp).
		JwtID(uuid.NewString()).
		Claim("vp", presentation).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(vpToken, jwt.WithKey(jwa.ES256, m.assertionKey))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
