// Package encoder builds credential token payloads and serializes them in the
// supported wire formats. Signing is delegated to an external signature
// service; this package owns the envelope and the format pipelines.
package encoder

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/base64"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/veraison/go-cose"

	"github.com/openvci/issuer-service/internal/encoder/base45"
	"github.com/openvci/issuer-service/internal/signing"
)

// Format selects the credential wire encoding.
type Format string

const (
	// JWTVCFormat is a compact signed JSON token.
	JWTVCFormat Format = "jwt_vc"
	// CWTVCFormat is a CBOR token wrapped in COSE, deflated, and Base45
	// encoded for QR transport.
	CWTVCFormat Format = "cwt_vc"
)

var (
	// ErrUnsupportedFormat indicates a format outside the supported set.
	ErrUnsupportedFormat = errors.New("unsupported credential format")
	// ErrEncoding indicates a failure in the serialization pipeline, as
	// opposed to a failure of the signature service.
	ErrEncoding = errors.New("credential encoding failed")
)

// ParseFormat validates a requested format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case JWTVCFormat, CWTVCFormat:
		return Format(s), nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "format<%s>", s)
	}
}

// CredentialEncoder assembles token payloads from credential templates and
// runs the per-format signing pipelines.
type CredentialEncoder struct {
	// Clock is sampled once per payload so every derived timestamp agrees.
	// Tests swap in a mock.
	Clock clock.Clock

	signer    signing.Delegate
	issuerDID string
	validity  time.Duration
}

// NewCredentialEncoder builds an encoder issuing as issuerDID with the given
// credential validity window.
func NewCredentialEncoder(signer signing.Delegate, issuerDID string, validity time.Duration) (*CredentialEncoder, error) {
	if signer == nil {
		return nil, errors.New("signing delegate is required")
	}
	if issuerDID == "" {
		return nil, errors.New("issuer DID is required")
	}
	if validity <= 0 {
		return nil, errors.New("credential validity must be positive")
	}
	return &CredentialEncoder{
		Clock:     clock.New(),
		signer:    signer,
		issuerDID: issuerDID,
		validity:  validity,
	}, nil
}

// BuildPayload fills the credential template with dynamic values and wraps it
// in a token envelope. The same generated URN identifies both the envelope
// (jti) and the credential (vc.id), and a single clock sample drives
// issuanceDate, issued, validFrom, iat, and nbf.
func (e *CredentialEncoder) BuildPayload(template map[string]any, credentialSubject any, subjectDID string) (map[string]any, error) {
	if credentialSubject == nil {
		return nil, errors.Wrap(ErrEncoding, "credential subject is required")
	}

	now := e.Clock.Now().UTC()
	expiration := now.Add(e.validity)
	id := "urn:uuid:" + uuid.NewString()

	vc := make(map[string]any, len(template)+8)
	for k, v := range template {
		vc[k] = v
	}
	vc["id"] = id
	vc["issuer"] = map[string]any{"id": e.issuerDID}
	nowStr := now.Format(time.RFC3339)
	vc["issuanceDate"] = nowStr
	vc["issued"] = nowStr
	vc["validFrom"] = nowStr
	vc["expirationDate"] = expiration.Format(time.RFC3339)
	vc["credentialSubject"] = credentialSubject

	return map[string]any{
		"sub": subjectDID,
		"iss": e.issuerDID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": expiration.Unix(),
		"jti": id,
		"vc":  vc,
	}, nil
}

// Encode signs and serializes the payload in the requested format. The auth
// token authenticates the issuer against the signature service.
func (e *CredentialEncoder) Encode(ctx context.Context, format Format, payload map[string]any, authToken string) (string, error) {
	switch format {
	case JWTVCFormat:
		return e.encodeJWT(ctx, payload, authToken)
	case CWTVCFormat:
		return e.encodeCWT(ctx, payload, authToken)
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "format<%s>", format)
	}
}

// encodeJWT signs the JSON envelope as a compact token.
func (e *CredentialEncoder) encodeJWT(ctx context.Context, payload map[string]any, authToken string) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(ErrEncoding, err.Error())
	}
	signed, err := e.signer.Sign(ctx, signing.SignatureRequest{
		Configuration: signing.SignatureConfiguration{Type: signing.JAdES},
		Data:          string(payloadJSON),
	}, authToken)
	if err != nil {
		return "", err
	}
	return signed.Data, nil
}

// encodeCWT runs the QR pipeline: CBOR encode the envelope, obtain a COSE
// Sign1 wrapper from the signature service, deflate, then Base45 encode.
func (e *CredentialEncoder) encodeCWT(ctx context.Context, payload map[string]any, authToken string) (string, error) {
	cborBytes, err := cbor.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(ErrEncoding, err.Error())
	}

	signed, err := e.signer.Sign(ctx, signing.SignatureRequest{
		Configuration: signing.SignatureConfiguration{Type: signing.COSE},
		Data:          base64.StdEncoding.EncodeToString(cborBytes),
	}, authToken)
	if err != nil {
		return "", err
	}

	coseBytes, err := base64.StdEncoding.DecodeString(signed.Data)
	if err != nil {
		return "", errors.Wrap(ErrEncoding, "decoding signed payload")
	}
	var sign1 cose.Sign1Message
	if err = sign1.UnmarshalCBOR(coseBytes); err != nil {
		return "", errors.Wrap(ErrEncoding, "signature service returned malformed message")
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.BestCompression)
	if err != nil {
		return "", errors.Wrap(ErrEncoding, err.Error())
	}
	if _, err = writer.Write(coseBytes); err != nil {
		return "", errors.Wrap(ErrEncoding, err.Error())
	}
	if err = writer.Close(); err != nil {
		return "", errors.Wrap(ErrEncoding, err.Error())
	}

	return base45.Encode(compressed.Bytes()), nil
}
