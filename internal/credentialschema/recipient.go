package credentialschema

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// learSubject is the wire shape of a LEARCredentialEmployee credentialSubject.
type learSubject struct {
	Mandate Mandate `json:"mandate"`
}

// certificationSubject is the wire shape of a VerifiableCertification
// credentialSubject.
type certificationSubject struct {
	Company Company `json:"company"`
}

// RecipientFromSubject derives the notification recipient from a raw
// credentialSubject document, per schema. A missing email claim is an
// ErrMissingClaim, never a zero-value recipient.
func (s Schema) RecipientFromSubject(subject json.RawMessage) (Recipient, error) {
	switch s {
	case LEARCredentialEmployee:
		var ls learSubject
		if err := json.Unmarshal(subject, &ls); err != nil {
			return Recipient{}, errors.Wrap(err, "unmarshalling mandate subject")
		}
		if ls.Mandate.Mandatee.Email == "" {
			return Recipient{}, errors.Wrap(ErrMissingClaim, "mandate.mandatee.email")
		}
		return Recipient{
			Email: ls.Mandate.Mandatee.Email,
			Name:  ls.Mandate.Mandatee.FirstName,
		}, nil
	case VerifiableCertification:
		var cs certificationSubject
		if err := json.Unmarshal(subject, &cs); err != nil {
			return Recipient{}, errors.Wrap(err, "unmarshalling company subject")
		}
		if cs.Company.Email == "" {
			return Recipient{}, errors.Wrap(ErrMissingClaim, "company.email")
		}
		return Recipient{
			Email: cs.Company.Email,
			Name:  cs.Company.CommonName,
		}, nil
	default:
		return Recipient{}, errors.Wrapf(ErrUnsupportedSchema, "schema<%s>", s)
	}
}

// RecipientFromPayload derives the notification recipient from the raw
// issuance request payload. For LEARCredentialEmployee the payload is the
// mandate itself; for VerifiableCertification it matches the credentialSubject.
func (s Schema) RecipientFromPayload(payload json.RawMessage) (Recipient, error) {
	switch s {
	case LEARCredentialEmployee:
		var mandate Mandate
		if err := json.Unmarshal(payload, &mandate); err != nil {
			return Recipient{}, errors.Wrap(err, "unmarshalling mandate payload")
		}
		if mandate.Mandatee.Email == "" {
			return Recipient{}, errors.Wrap(ErrMissingClaim, "mandatee.email")
		}
		return Recipient{Email: mandate.Mandatee.Email, Name: mandate.Mandatee.FirstName}, nil
	case VerifiableCertification:
		return s.RecipientFromSubject(payload)
	default:
		return Recipient{}, errors.Wrapf(ErrUnsupportedSchema, "schema<%s>", s)
	}
}

// RecipientFromDecodedCredential derives the notification recipient from a
// stored decoded credential, i.e. the full token envelope around the vc.
func (s Schema) RecipientFromDecodedCredential(decoded json.RawMessage) (Recipient, error) {
	var envelope struct {
		VC struct {
			CredentialSubject json.RawMessage `json:"credentialSubject"`
		} `json:"vc"`
	}
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return Recipient{}, errors.Wrap(err, "unmarshalling decoded credential")
	}
	if len(envelope.VC.CredentialSubject) == 0 {
		return Recipient{}, errors.Wrap(ErrMissingClaim, "vc.credentialSubject")
	}
	return s.RecipientFromSubject(envelope.VC.CredentialSubject)
}
