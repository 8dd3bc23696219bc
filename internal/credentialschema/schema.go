// Package credentialschema enumerates the credential schemas the issuer can
// produce and the schema-specific rules of the issuance workflow.
package credentialschema

import (
	"github.com/pkg/errors"
)

// Schema is the closed set of supported credential schemas. All schema
// dispatch goes through methods on this type so adding a schema means
// extending these switches rather than scattering string comparisons.
type Schema string

const (
	LEARCredentialEmployee  Schema = "LEARCredentialEmployee"
	VerifiableCertification Schema = "VerifiableCertification"
)

// ErrUnsupportedSchema is returned for schema strings outside the closed set.
var ErrUnsupportedSchema = errors.New("unsupported credential schema")

// ErrMissingClaim is returned when a claim path needed by the workflow is not
// present in the credential payload.
var ErrMissingClaim = errors.New("missing claim")

func Parse(s string) (Schema, error) {
	switch Schema(s) {
	case LEARCredentialEmployee:
		return LEARCredentialEmployee, nil
	case VerifiableCertification:
		return VerifiableCertification, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedSchema, "schema<%s>", s)
	}
}

func (s Schema) String() string {
	return string(s)
}

// RequiresResponseURI reports whether issuance for this schema delivers the
// signed credential by pushing it to a caller supplied response uri.
func (s Schema) RequiresResponseURI() bool {
	return s == VerifiableCertification
}

// RequiresTrustedSigner reports whether the issuance request must originate
// from the configured trusted certification authority.
func (s Schema) RequiresTrustedSigner() bool {
	return s == VerifiableCertification
}

// Recipient is the notification target derived from credential claims.
type Recipient struct {
	Email string
	Name  string
}

// Mandate models the credentialSubject of a LEARCredentialEmployee.
type Mandate struct {
	ID       string `json:"id,omitempty"`
	Mandator struct {
		OrganizationIdentifier string `json:"organizationIdentifier,omitempty"`
		CommonName             string `json:"commonName,omitempty"`
		EmailAddress           string `json:"emailAddress,omitempty"`
		Organization           string `json:"organization,omitempty"`
		Country                string `json:"country,omitempty"`
	} `json:"mandator"`
	Mandatee struct {
		ID          string `json:"id,omitempty"`
		FirstName   string `json:"first_name,omitempty"`
		LastName    string `json:"last_name,omitempty"`
		Email       string `json:"email,omitempty"`
		MobilePhone string `json:"mobile_phone,omitempty"`
	} `json:"mandatee"`
	Power []struct {
		ID          string   `json:"id,omitempty"`
		TMFType     string   `json:"tmf_type,omitempty"`
		TMFDomain   []string `json:"tmf_domain,omitempty"`
		TMFFunction string   `json:"tmf_function,omitempty"`
		TMFAction   []string `json:"tmf_action,omitempty"`
	} `json:"power,omitempty"`
	LifeSpan struct {
		StartDateTime string `json:"start_date_time,omitempty"`
		EndDateTime   string `json:"end_date_time,omitempty"`
	} `json:"life_span"`
}

// Company models the credentialSubject.company of a VerifiableCertification.
type Company struct {
	ID         string `json:"id,omitempty"`
	CommonName string `json:"commonName,omitempty"`
	Email      string `json:"email,omitempty"`
	Country    string `json:"country,omitempty"`
}
