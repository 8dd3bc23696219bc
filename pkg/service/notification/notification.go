// Package notification delivers issuance lifecycle emails: the credential
// offer, the pending-signature notice, and the signed confirmation.
package notification

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/pkg/service/framework"
)

// CredentialOffer carries everything the offer email needs.
type CredentialOffer struct {
	To   string
	Name string
	// Link is the claim link built from the transaction code.
	Link             string
	Organization     string
	WalletURL        string
	KnowledgebaseURL string
}

// Dispatcher sends issuance notifications. Failures are reported to the
// caller; whether they fail the surrounding operation is the caller's call.
type Dispatcher interface {
	SendCredentialOffer(ctx context.Context, offer CredentialOffer) error
	SendPendingCredentialNotification(ctx context.Context, to string) error
	SendCredentialSignedNotification(ctx context.Context, to, name string) error
}

// Service wraps a Dispatcher for registration alongside the other services.
type Service struct {
	Dispatcher
}

func (s *Service) Type() framework.Type {
	return framework.Notification
}

func (s *Service) Status() framework.Status {
	if s.Dispatcher == nil {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: "notification service is not ready: no dispatcher configured",
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func NewNotificationService(dispatcher Dispatcher) (*Service, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Service{Dispatcher: dispatcher}, nil
}
