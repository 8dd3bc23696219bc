package issuance

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/internal/encoder"
	"github.com/openvci/issuer-service/internal/proof"
	"github.com/openvci/issuer-service/internal/signing"
	"github.com/openvci/issuer-service/internal/token"
	"github.com/openvci/issuer-service/pkg/service/deferred"
)

// The issuance error taxonomy. Client input problems are distinct sentinels
// so the edge can map them to 4xx; infra failures surface as 5xx.
var (
	ErrFormatUnsupported         = encoder.ErrUnsupportedFormat
	ErrCredentialTypeUnsupported = errors.New("unsupported credential type")
	// ErrOperationNotSupported covers bad schema/mode/response-uri combinations.
	ErrOperationNotSupported  = errors.New("operation not supported for this credential type")
	ErrInvalidOrMissingProof  = proof.ErrInvalidProof
	ErrUnauthorizedSigner     = errors.New("token issuer is not a trusted certification authority")
	ErrExpiredTransactionCode = deferred.ErrExpiredTransactionCode
	ErrMalformedToken         = token.ErrMalformedToken
	ErrEncoding               = encoder.ErrEncoding
	ErrSigningFailed          = signing.ErrSigningFailed
	// ErrDelivery wraps response-uri push failures.
	ErrDelivery             = errors.New("credential delivery failed")
	ErrDeferredRetrieval    = errors.New("deferred credential retrieval failed")
	// ErrIllegalState marks an internal invariant violation, such as a bound
	// nonce without a metadata row. Never a client input error.
	ErrIllegalState = errors.New("illegal issuance state")
)

// DeliveryError reports a failed push to a response uri, distinguishing a
// transport failure from a non-2xx answer by the target.
type DeliveryError struct {
	URI string
	// StatusCode is zero when the request never completed.
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("delivering credential to %s: %v", e.URI, e.Err)
	}
	return fmt.Sprintf("delivering credential to %s: target returned %d", e.URI, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error {
	return ErrDelivery
}

// Transport reports whether the failure happened before any HTTP status was
// received.
func (e *DeliveryError) Transport() bool {
	return e.StatusCode == 0
}
