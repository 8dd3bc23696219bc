package encoder

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veraison/go-cose"

	"github.com/openvci/issuer-service/internal/encoder/base45"
	"github.com/openvci/issuer-service/internal/signing"
)

// fakeSigner echoes back plausible signed data and records the last request.
type fakeSigner struct {
	lastRequest signing.SignatureRequest
	err         error
}

func (f *fakeSigner) Sign(_ context.Context, request signing.SignatureRequest, _ string) (*signing.SignedData, error) {
	f.lastRequest = request
	if f.err != nil {
		return nil, f.err
	}
	switch request.Configuration.Type {
	case signing.JAdES:
		return &signing.SignedData{Type: signing.JAdES, Data: "eyJhbGciOiJFUzI1NiJ9.signed.sig"}, nil
	case signing.COSE:
		cborBytes, err := base64.StdEncoding.DecodeString(request.Data)
		if err != nil {
			return nil, err
		}
		coseBytes, err := wrapInSign1(cborBytes)
		if err != nil {
			return nil, err
		}
		return &signing.SignedData{Type: signing.COSE, Data: base64.StdEncoding.EncodeToString(coseBytes)}, nil
	default:
		return nil, errors.New("unknown signature type")
	}
}

// wrapInSign1 produces a genuine COSE Sign1 message over the payload.
func wrapInSign1(payload []byte) ([]byte, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, privKey)
	if err != nil {
		return nil, err
	}
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Payload = payload
	if err = msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg.MarshalCBOR()
}

func newTestEncoder(t *testing.T, signer signing.Delegate) (*CredentialEncoder, *clock.Mock) {
	t.Helper()
	enc, err := NewCredentialEncoder(signer, "did:elsi:issuer", 30*24*time.Hour)
	require.NoError(t, err)
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	enc.Clock = mockClock
	return enc, mockClock
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"jwt_vc", "cwt_vc"} {
		format, err := ParseFormat(valid)
		assert.NoError(t, err)
		assert.Equal(t, valid, string(format))
	}
	_, err := ParseFormat("ldp_vc")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestBuildPayload(t *testing.T) {
	enc, mockClock := newTestEncoder(t, &fakeSigner{})

	template := map[string]any{
		"type": []string{"VerifiableCredential", "LEARCredentialEmployee"},
	}
	subject := map[string]any{"mandatee": map[string]any{"email": "a@b.com"}}

	payload, err := enc.BuildPayload(template, subject, "did:key:holder")
	require.NoError(t, err)

	now := mockClock.Now().UTC()
	assert.Equal(t, "did:key:holder", payload["sub"])
	assert.Equal(t, "did:elsi:issuer", payload["iss"])
	assert.Equal(t, now.Unix(), payload["iat"])
	assert.Equal(t, now.Unix(), payload["nbf"])
	assert.Equal(t, now.Add(30*24*time.Hour).Unix(), payload["exp"])

	vc, ok := payload["vc"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, payload["jti"], vc["id"])
	assert.True(t, strings.HasPrefix(vc["id"].(string), "urn:uuid:"))
	assert.Equal(t, map[string]any{"id": "did:elsi:issuer"}, vc["issuer"])
	assert.Equal(t, now.Format(time.RFC3339), vc["issuanceDate"])
	assert.Equal(t, vc["issuanceDate"], vc["issued"])
	assert.Equal(t, vc["issuanceDate"], vc["validFrom"])
	assert.Equal(t, now.Add(30*24*time.Hour).Format(time.RFC3339), vc["expirationDate"])
	assert.Equal(t, subject, vc["credentialSubject"])

	// The template itself is not mutated.
	_, templateTouched := template["id"]
	assert.False(t, templateTouched)

	t.Run("requires a subject", func(t *testing.T) {
		_, err := enc.BuildPayload(template, nil, "did:key:holder")
		assert.ErrorIs(t, err, ErrEncoding)
	})
}

func TestEncodeJWT(t *testing.T) {
	signer := &fakeSigner{}
	enc, _ := newTestEncoder(t, signer)

	payload, err := enc.BuildPayload(map[string]any{}, map[string]any{"k": "v"}, "did:key:holder")
	require.NoError(t, err)

	encoded, err := enc.Encode(context.Background(), JWTVCFormat, payload, "token")
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOiJFUzI1NiJ9.signed.sig", encoded)
	assert.Equal(t, signing.JAdES, signer.lastRequest.Configuration.Type)
	assert.Contains(t, signer.lastRequest.Data, `"did:key:holder"`)
}

func TestEncodeCWT(t *testing.T) {
	signer := &fakeSigner{}
	enc, _ := newTestEncoder(t, signer)

	payload, err := enc.BuildPayload(map[string]any{}, map[string]any{"k": "v"}, "did:key:holder")
	require.NoError(t, err)

	encoded, err := enc.Encode(context.Background(), CWTVCFormat, payload, "token")
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	// Walk the pipeline backwards: Base45, inflate, COSE, CBOR.
	compressed, err := base45.Decode(encoded)
	require.NoError(t, err)

	reader := flate.NewReader(bytes.NewReader(compressed))
	coseBytes, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	var sign1 cose.Sign1Message
	require.NoError(t, sign1.UnmarshalCBOR(coseBytes))

	var decoded map[string]any
	require.NoError(t, cbor.Unmarshal(sign1.Payload, &decoded))
	assert.Equal(t, payload["jti"], decoded["jti"])
	assert.Equal(t, "did:key:holder", decoded["sub"])
	assert.Equal(t, "did:elsi:issuer", decoded["iss"])
}

func TestEncodeErrors(t *testing.T) {
	t.Run("unsupported format", func(t *testing.T) {
		enc, _ := newTestEncoder(t, &fakeSigner{})
		_, err := enc.Encode(context.Background(), Format("ldp_vc"), map[string]any{}, "token")
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("signing failure is not an encoding failure", func(t *testing.T) {
		enc, _ := newTestEncoder(t, &fakeSigner{err: signing.ErrSigningFailed})
		_, err := enc.Encode(context.Background(), JWTVCFormat, map[string]any{}, "token")
		assert.ErrorIs(t, err, signing.ErrSigningFailed)
		assert.NotErrorIs(t, err, ErrEncoding)
	})

	t.Run("malformed signature service response", func(t *testing.T) {
		enc, _ := newTestEncoder(t, staticSigner{data: base64.StdEncoding.EncodeToString([]byte("not cose"))})
		_, err := enc.Encode(context.Background(), CWTVCFormat, map[string]any{}, "token")
		assert.ErrorIs(t, err, ErrEncoding)
	})
}

type staticSigner struct{ data string }

func (s staticSigner) Sign(context.Context, signing.SignatureRequest, string) (*signing.SignedData, error) {
	return &signing.SignedData{Type: signing.COSE, Data: s.data}, nil
}
