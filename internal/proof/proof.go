// Package proof validates proof-of-possession tokens presented alongside an
// access token during a credential request.
package proof

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/internal/token"
)

// ErrInvalidProof indicates the proof does not belong to the holder referenced
// by the access token. It is terminal; callers must not retry.
var ErrInvalidProof = errors.New("invalid proof")

// VerificationDelegate checks a token signature against the key material of
// the given holder DID. Resolution and cryptography live outside this package.
type VerificationDelegate interface {
	VerifySignature(ctx context.Context, holderDID, signedToken string) error
}

// Validator ties a proof token to the access token's authorization session.
type Validator struct {
	delegate VerificationDelegate
}

func NewValidator(delegate VerificationDelegate) (*Validator, error) {
	if delegate == nil {
		return nil, errors.New("verification delegate is required")
	}
	return &Validator{delegate: delegate}, nil
}

// IsProofValid returns true when the proof's nonce matches the access token's
// session nonce and the proof signature verifies for the holder's DID.
func (v *Validator) IsProofValid(ctx context.Context, proofJWT, accessToken string) (bool, error) {
	accessClaims, err := token.Parse(accessToken)
	if err != nil {
		return false, errors.Wrap(err, "parsing access token")
	}
	proofNonce, err := token.Nonce(proofJWT)
	if err != nil {
		return false, errors.Wrap(err, "parsing proof token")
	}
	if proofNonce == "" || proofNonce != accessClaims.JTI {
		logrus.Debugf("proof nonce does not match access token session")
		return false, nil
	}

	holderDID, err := token.ExtractHolderDID(proofJWT)
	if err != nil {
		return false, errors.Wrap(err, "extracting holder did")
	}
	if err := v.delegate.VerifySignature(ctx, holderDID, proofJWT); err != nil {
		logrus.WithError(err).Debug("proof signature verification failed")
		return false, nil
	}
	return true, nil
}

// ExtractHolderDID returns the DID the proof was produced with.
func (v *Validator) ExtractHolderDID(proofJWT string) (string, error) {
	return token.ExtractHolderDID(proofJWT)
}
