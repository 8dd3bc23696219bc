package deferred

import "github.com/pkg/errors"

// OperationMode governs whether the credential response carries the finished
// artifact or a pending indicator requiring later retrieval.
type OperationMode string

const (
	ModeSync  OperationMode = "SYNC"
	ModeAsync OperationMode = "ASYNC"
)

// ErrUnsupportedOperationMode indicates a mode outside the supported set.
var ErrUnsupportedOperationMode = errors.New("unsupported operation mode")

// ParseOperationMode validates a requested mode. The empty string defaults
// to async.
func ParseOperationMode(s string) (OperationMode, error) {
	switch OperationMode(s) {
	case ModeSync, ModeAsync:
		return OperationMode(s), nil
	case "":
		return ModeAsync, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedOperationMode, "mode<%s>", s)
	}
}

// Metadata correlates one credential procedure across the disconnected HTTP
// interactions of an issuance session.
type Metadata struct {
	ProcedureID   string        `json:"procedureId"`
	OperationMode OperationMode `json:"operationMode"`
	// TransactionCode is a single-use secret; cleared once exchanged for an
	// auth server nonce.
	TransactionCode string `json:"transactionCode,omitempty"`
	// AuthServerNonce is the stable correlation key bound to the
	// authorization session, set at most once.
	AuthServerNonce string `json:"authServerNonce,omitempty"`
	// ResponseURI is present only for push-delivery schemas.
	ResponseURI string `json:"responseUri,omitempty"`
	Format      string `json:"format"`
}
