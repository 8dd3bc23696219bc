package issuance

import "github.com/goccy/go-json"

// IssuanceRequest starts a credential procedure.
type IssuanceRequest struct {
	Schema        string          `json:"schema" validate:"required"`
	Format        string          `json:"format" validate:"required"`
	OperationMode string          `json:"operationMode,omitempty"`
	ResponseURI   string          `json:"responseUri,omitempty"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// IssuanceResponse acknowledges the started procedure.
type IssuanceResponse struct {
	ProcedureID string `json:"procedureId"`
	// TransactionCode is present for offer-notification schemas; the claim
	// link in the offer email is built from it.
	TransactionCode string `json:"transactionCode,omitempty"`
}

// Proof is the wallet's proof of possession.
type Proof struct {
	ProofType string `json:"proof_type,omitempty"`
	JWT       string `json:"jwt" validate:"required"`
}

// CredentialRequest asks for the credential bound to the caller's access token.
type CredentialRequest struct {
	Format string `json:"format" validate:"required"`
	Proof  Proof  `json:"proof" validate:"required"`
}

// CredentialResponse carries the finished credential, or a pending indicator
// with the transaction id to retrieve it later.
type CredentialResponse struct {
	Credential      string `json:"credential,omitempty"`
	Format          string `json:"format,omitempty"`
	TransactionID   string `json:"transactionId,omitempty"`
	CNonce          string `json:"cNonce,omitempty"`
	CNonceExpiresIn int64  `json:"cNonceExpiresIn,omitempty"`
}

// Pending reports whether the credential still needs deferred retrieval.
func (r CredentialResponse) Pending() bool {
	return r.TransactionID != ""
}

type BatchCredentialRequest struct {
	CredentialRequests []CredentialRequest `json:"credentialRequests" validate:"required,dive"`
}

type BatchCredentialItem struct {
	Credential string `json:"credential"`
}

type BatchCredentialResponse struct {
	CredentialResponses []BatchCredentialItem `json:"credentialResponses"`
	CNonce              string                `json:"cNonce,omitempty"`
	CNonceExpiresIn     int64                 `json:"cNonceExpiresIn,omitempty"`
}

type DeferredCredentialRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
}

// AuthServerNonceRequest binds an access token to a procedure previously
// keyed by its pre-authorized code.
type AuthServerNonceRequest struct {
	AccessToken       string `json:"accessToken" validate:"required"`
	PreAuthorizedCode string `json:"preAuthorizedCode" validate:"required"`
}

// SignedCredentialsRequest submits externally signed credentials in bulk.
type SignedCredentialsRequest struct {
	Credentials []string `json:"credentials" validate:"required,min=1"`
}
