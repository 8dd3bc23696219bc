// Package token extracts claims from signed tokens without verifying their
// signatures. Signature trust is an external concern; callers must treat the
// returned values as unverified input.
package token

import (
	"strings"

	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
)

// ErrMalformedToken is returned when a token is not a parseable compact JWS
// or its payload is not valid structured data.
var ErrMalformedToken = errors.New("malformed token")

const organizationIdentifierClaim = "organizationIdentifier"

// Claims is the unverified view over a bearer or proof token payload.
type Claims struct {
	Subject                string
	OrganizationIdentifier string
	Issuer                 string
	// JTI doubles as the authorization-server nonce on access tokens.
	JTI string
}

// Parse splits and decodes a compact serialized token. The signature is not
// checked.
func Parse(raw string) (*Claims, error) {
	if len(strings.Split(raw, ".")) != 3 {
		return nil, errors.Wrap(ErrMalformedToken, "token must have three segments")
	}
	parsed, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedToken, "parsing token payload: %s", err.Error())
	}

	claims := Claims{
		Subject: parsed.Subject(),
		Issuer:  parsed.Issuer(),
		JTI:     parsed.JwtID(),
	}
	if orgID, ok := parsed.Get(organizationIdentifierClaim); ok {
		if orgStr, ok := orgID.(string); ok {
			claims.OrganizationIdentifier = orgStr
		}
	}
	return &claims, nil
}

// Nonce returns the proof token's nonce claim, empty when absent.
func Nonce(raw string) (string, error) {
	parsed, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", errors.Wrapf(ErrMalformedToken, "parsing token payload: %s", err.Error())
	}
	nonceRaw, ok := parsed.Get("nonce")
	if !ok {
		return "", nil
	}
	nonce, ok := nonceRaw.(string)
	if !ok {
		return "", errors.Wrap(ErrMalformedToken, "nonce claim is not a string")
	}
	return nonce, nil
}

// ExtractHolderDID returns the DID portion of the proof token's kid header,
// the substring before the first '#'.
func ExtractHolderDID(proofJWT string) (string, error) {
	message, err := jws.Parse([]byte(proofJWT))
	if err != nil {
		return "", errors.Wrapf(ErrMalformedToken, "parsing proof: %s", err.Error())
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return "", errors.Wrap(ErrMalformedToken, "proof expected to have exactly one signature")
	}
	kid := signatures[0].ProtectedHeaders().KeyID()
	if kid == "" {
		return "", errors.Wrap(ErrMalformedToken, "proof is missing kid header")
	}
	did, _, _ := strings.Cut(kid, "#")
	return did, nil
}

// CredentialID returns the id of the vc claim inside a signed credential
// token, empty when the token carries no credential.
func CredentialID(raw string) (string, error) {
	parsed, err := jwt.Parse([]byte(raw), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return "", errors.Wrapf(ErrMalformedToken, "parsing token payload: %s", err.Error())
	}
	vcRaw, ok := parsed.Get("vc")
	if !ok {
		return "", nil
	}
	vc, ok := vcRaw.(map[string]any)
	if !ok {
		return "", errors.Wrap(ErrMalformedToken, "vc claim is not an object")
	}
	id, _ := vc["id"].(string)
	return id, nil
}

// CleanBearer strips the Authorization scheme prefix, if present.
func CleanBearer(authorizationHeader string) string {
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorizationHeader, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorizationHeader, bearerPrefix))
	}
	return authorizationHeader
}
