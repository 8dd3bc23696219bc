package deferred

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/storage"
)

// Service owns the correlation table linking procedures, transaction codes,
// and auth server nonces.
type Service struct {
	storage *Storage
}

func (s *Service) Type() framework.Type {
	return framework.Deferred
}

func (s *Service) Status() framework.Status {
	if s.storage == nil {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: "deferred service is not ready: no storage configured",
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func NewDeferredService(db storage.ServiceStorage) (*Service, error) {
	deferredStorage, err := NewDeferredStorage(db)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate storage for the deferred service")
	}
	service := Service{storage: deferredStorage}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// CreateMetadata records a new issuance session and mints its single-use
// transaction code.
func (s *Service) CreateMetadata(ctx context.Context, procedureID string, mode OperationMode, format, responseURI string) (string, error) {
	logrus.Debugf("creating deferred metadata for procedure<%s>", procedureID)

	transactionCode := uuid.NewString()
	metadata := Metadata{
		ProcedureID:     procedureID,
		OperationMode:   mode,
		TransactionCode: transactionCode,
		ResponseURI:     responseURI,
		Format:          format,
	}
	if err := s.storage.StoreMetadata(ctx, metadata); err != nil {
		return "", util.LoggingErrorMsg(err, "storing deferred metadata")
	}
	return transactionCode, nil
}

// BindAuthServerNonce consumes a transaction code and binds the nonce to its
// procedure. Consumed or unknown codes fail with ErrExpiredTransactionCode.
func (s *Service) BindAuthServerNonce(ctx context.Context, transactionCode, authServerNonce string) (*Metadata, error) {
	return s.storage.ConsumeTransactionCode(ctx, transactionCode, authServerNonce)
}

// GetMetadataByNonce returns the session bound to the nonce, or nil when the
// nonce is unknown.
func (s *Service) GetMetadataByNonce(ctx context.Context, authServerNonce string) (*Metadata, error) {
	return s.storage.GetMetadataByNonce(ctx, authServerNonce)
}

// GetMetadata returns the session for a procedure, or nil.
func (s *Service) GetMetadata(ctx context.Context, procedureID string) (*Metadata, error) {
	return s.storage.GetMetadata(ctx, procedureID)
}

// RefreshTransactionCode re-mints the code for a still-open session and
// returns the new code.
func (s *Service) RefreshTransactionCode(ctx context.Context, procedureID string) (string, error) {
	newCode := uuid.NewString()
	if _, err := s.storage.RefreshTransactionCode(ctx, procedureID, newCode); err != nil {
		return "", err
	}
	return newCode, nil
}

// DeleteByNonce removes a completed session.
func (s *Service) DeleteByNonce(ctx context.Context, authServerNonce string) error {
	return s.storage.DeleteByNonce(ctx, authServerNonce)
}

// DeleteMetadata removes a session by procedure id.
func (s *Service) DeleteMetadata(ctx context.Context, procedureID string) error {
	return s.storage.DeleteMetadata(ctx, procedureID)
}
