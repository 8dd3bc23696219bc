package did

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/pkg/errors"
)

// TokenVerifier checks token signatures against the key material embedded in
// the holder's DID.
type TokenVerifier struct{}

func NewTokenVerifier() *TokenVerifier {
	return &TokenVerifier{}
}

// VerifySignature verifies that signedToken was produced by the key the
// holder DID embeds. The signing algorithm is taken from the token's
// protected header.
func (v *TokenVerifier) VerifySignature(_ context.Context, holderDID, signedToken string) error {
	rawKey, err := PublicKeyFromDIDKey(holderDID)
	if err != nil {
		return errors.Wrapf(err, "resolving holder did<%s>", holderDID)
	}
	key, err := jwk.FromRaw(rawKey)
	if err != nil {
		return errors.Wrap(err, "converting public key")
	}

	message, err := jws.Parse([]byte(signedToken))
	if err != nil {
		return errors.Wrap(err, "parsing signed token")
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return errors.New("token carries no signature")
	}
	alg := signatures[0].ProtectedHeaders().Algorithm()

	if _, err = jws.Verify([]byte(signedToken), jws.WithKey(alg, key)); err != nil {
		return errors.Wrap(err, "verifying token signature")
	}
	return nil
}
