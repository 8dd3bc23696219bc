// Package signing delegates signature computation to a remote signature
// service. The issuer never holds signing keys itself.
package signing

import (
	"context"

	"github.com/pkg/errors"
)

// ErrSigningFailed indicates the remote signature service could not produce a
// signature. It is distinct from encoding failures in the credential pipeline.
var ErrSigningFailed = errors.New("signing failed")

// SignatureType selects the remote signature profile.
type SignatureType string

const (
	// JAdES produces a compact signed token over a JSON payload.
	JAdES SignatureType = "JADES"
	// COSE produces a COSE Sign1 wrapper over a CBOR payload.
	COSE SignatureType = "COSE"
)

// SignatureConfiguration parameterizes a signature request.
type SignatureConfiguration struct {
	Type       SignatureType     `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// SignatureRequest is the document handed to the signature service. Data is
// the payload to be signed: the raw JSON envelope for JAdES, base64 encoded
// CBOR for COSE.
type SignatureRequest struct {
	Configuration SignatureConfiguration `json:"configuration"`
	Data          string                 `json:"data"`
}

// SignedData is the signature service's response.
type SignedData struct {
	Type SignatureType `json:"type"`
	Data string        `json:"data"`
}

// Delegate is the external signing collaborator.
type Delegate interface {
	Sign(ctx context.Context, request SignatureRequest, authToken string) (*SignedData, error)
}
