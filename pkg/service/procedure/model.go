package procedure

import "time"

// Status tracks a credential procedure through its life. Transitions only
// ever move forward; a procedure never returns to an earlier status.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusDownloaded Status = "DOWNLOADED"
	StatusSigned     Status = "SIGNED"
	StatusEmitted    Status = "EMITTED"
	StatusValid      Status = "VALID"
)

var statusRank = map[Status]int{
	StatusDraft:      0,
	StatusDownloaded: 1,
	StatusSigned:     2,
	StatusEmitted:    3,
	StatusValid:      4,
}

// CanAdvanceTo reports whether next is a strictly forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	currentRank, ok := statusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > currentRank
}

// CredentialProcedure is the durable record of one credential being produced.
type CredentialProcedure struct {
	ID string `json:"id"`
	// CredentialID is the identifier embedded inside the credential body,
	// assigned when the payload is built.
	CredentialID string `json:"credentialId,omitempty"`
	Schema       string `json:"schema"`
	Format       string `json:"format"`
	// DecodedCredential is the JSON token payload before signing.
	DecodedCredential string `json:"decodedCredential,omitempty"`
	// EncodedCredential is the serialized signed credential, absent until
	// signing completes.
	EncodedCredential      string    `json:"encodedCredential,omitempty"`
	Status                 Status    `json:"status"`
	OrganizationIdentifier string    `json:"organizationIdentifier"`
	// TransactionID is set only while the procedure awaits signed-credential
	// submission and cleared on emission.
	TransactionID string    `json:"transactionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ModifiedAt    time.Time `json:"modifiedAt"`
}

type CreateProcedureRequest struct {
	Schema                 string `json:"schema" validate:"required"`
	Format                 string `json:"format" validate:"required"`
	CredentialID           string `json:"credentialId,omitempty"`
	DecodedCredential      string `json:"decodedCredential" validate:"required"`
	OrganizationIdentifier string `json:"organizationIdentifier" validate:"required"`
}

type CreateProcedureResponse struct {
	Procedure CredentialProcedure `json:"procedure"`
}

type ListProceduresRequest struct {
	OrganizationIdentifier string `json:"organizationIdentifier" validate:"required"`
	// Status filters the listing when set.
	Status    Status `json:"status,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

type ListProceduresResponse struct {
	Procedures    []CredentialProcedure `json:"procedures,omitempty"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}
