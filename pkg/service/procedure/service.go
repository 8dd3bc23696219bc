package procedure

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/internal/credentialschema"
	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/storage"
)

// Service owns the durable record of credential procedures.
type Service struct {
	// Clock stamps createdAt on new procedures. Tests swap in a mock.
	Clock clock.Clock

	storage *Storage
}

func (s *Service) Type() framework.Type {
	return framework.Procedure
}

func (s *Service) Status() framework.Status {
	if s.storage == nil {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: "procedure service is not ready: no storage configured",
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func NewProcedureService(db storage.ServiceStorage) (*Service, error) {
	procedureStorage, err := NewProcedureStorage(db)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate storage for the procedure service")
	}
	service := Service{
		Clock:   clock.New(),
		storage: procedureStorage,
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// CreateProcedure records a new draft procedure.
func (s *Service) CreateProcedure(ctx context.Context, request CreateProcedureRequest) (*CreateProcedureResponse, error) {
	logrus.Debugf("creating procedure for organization<%s>", util.SanitizeLog(request.OrganizationIdentifier))

	now := s.Clock.Now().UTC()
	proc := CredentialProcedure{
		ID:                     uuid.NewString(),
		CredentialID:           request.CredentialID,
		Schema:                 request.Schema,
		Format:                 request.Format,
		DecodedCredential:      request.DecodedCredential,
		Status:                 StatusDraft,
		OrganizationIdentifier: request.OrganizationIdentifier,
		CreatedAt:              now,
		ModifiedAt:             now,
	}
	if err := s.storage.StoreProcedure(ctx, proc); err != nil {
		return nil, util.LoggingErrorMsg(err, "storing procedure")
	}
	return &CreateProcedureResponse{Procedure: proc}, nil
}

// GetProcedure returns a procedure or nil if it does not exist.
func (s *Service) GetProcedure(ctx context.Context, id string) (*CredentialProcedure, error) {
	return s.storage.GetProcedure(ctx, id)
}

// GetProcedureByCredentialID resolves the procedure owning a credential id.
func (s *Service) GetProcedureByCredentialID(ctx context.Context, credentialID string) (*CredentialProcedure, error) {
	return s.storage.GetProcedureByCredentialID(ctx, credentialID)
}

// GetProcedureByTransactionID resolves the procedure holding an open claim
// window for the transaction id.
func (s *Service) GetProcedureByTransactionID(ctx context.Context, transactionID string) (*CredentialProcedure, error) {
	return s.storage.GetProcedureByTransactionID(ctx, transactionID)
}

// ListProcedures lists an organization's procedures, newest modification first.
func (s *Service) ListProcedures(ctx context.Context, request ListProceduresRequest) (*ListProceduresResponse, error) {
	procedures, nextPageToken, err := s.storage.ListProcedures(ctx, request.OrganizationIdentifier, request.Status, request.PageSize, request.PageToken)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "listing procedures")
	}
	return &ListProceduresResponse{Procedures: procedures, NextPageToken: nextPageToken}, nil
}

// AdvanceStatus moves the procedure forward. Regressions and repeats are
// rejected with ErrInvalidStatusTransition.
func (s *Service) AdvanceStatus(ctx context.Context, id string, next Status) (*CredentialProcedure, error) {
	logrus.Debugf("advancing procedure<%s> to %s", id, next)
	return s.storage.UpdateStatus(ctx, id, next)
}

// AttachEncodedCredential persists the signed artifact and advances the
// status in a single guarded write.
func (s *Service) AttachEncodedCredential(ctx context.Context, id, encodedCredential string, next Status) (*CredentialProcedure, error) {
	return s.storage.UpdateEncodedCredential(ctx, id, encodedCredential, next)
}

// UpdateDecodedCredential replaces the stored token payload.
func (s *Service) UpdateDecodedCredential(ctx context.Context, id, decodedCredential string) (*CredentialProcedure, error) {
	return s.storage.UpdateDecodedCredential(ctx, id, decodedCredential)
}

// OpenClaimWindow mints a transaction id under which the signed credential
// can later be retrieved, marking the procedure downloaded. If the window is
// already open the existing transaction id is returned, so repeated requests
// for the same session stay idempotent.
func (s *Service) OpenClaimWindow(ctx context.Context, id string) (string, error) {
	updated, err := s.storage.OpenClaimWindow(ctx, id, uuid.NewString())
	if err != nil {
		return "", err
	}
	return updated.TransactionID, nil
}

// RefreshTransactionID re-mints the claim window marker and returns the new id.
func (s *Service) RefreshTransactionID(ctx context.Context, id string) (string, error) {
	transactionID := uuid.NewString()
	if _, err := s.storage.UpdateTransactionID(ctx, id, transactionID); err != nil {
		return "", err
	}
	return transactionID, nil
}

// EmitProcedure closes the claim window and marks the procedure emitted.
func (s *Service) EmitProcedure(ctx context.Context, id string) (*CredentialProcedure, error) {
	return s.storage.EmitProcedure(ctx, id)
}

// DeleteProcedure removes the procedure and its index entries.
func (s *Service) DeleteProcedure(ctx context.Context, id string) error {
	return s.storage.DeleteProcedure(ctx, id)
}

// Recipient derives the notification recipient from the stored decoded
// credential, using the schema's claim path.
func (s *Service) Recipient(ctx context.Context, id string) (*credentialschema.Recipient, error) {
	proc, err := s.storage.GetProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, util.LoggingNewErrorf("procedure not found: %s", util.SanitizeLog(id))
	}
	schema, err := credentialschema.Parse(proc.Schema)
	if err != nil {
		return nil, err
	}
	recipient, err := schema.RecipientFromDecodedCredential([]byte(proc.DecodedCredential))
	if err != nil {
		return nil, err
	}
	return &recipient, nil
}
