package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/pkg/server/framework"
	svcframework "github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/service/issuance"
)

const IDParam = "id"

type IssuanceRouter struct {
	service *issuance.Service
}

func NewIssuanceRouter(s svcframework.Service) (*IssuanceRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	issuanceService, ok := s.(*issuance.Service)
	if !ok {
		return nil, fmt.Errorf("could not create issuance router with service type: %s", s.Type())
	}
	return &IssuanceRouter{service: issuanceService}, nil
}

// statusForError maps the issuance error taxonomy onto HTTP status codes.
// Caller mistakes are 4xx; everything downstream of a valid request is 5xx.
func statusForError(err error) int {
	switch {
	case errors.Is(err, issuance.ErrFormatUnsupported),
		errors.Is(err, issuance.ErrCredentialTypeUnsupported),
		errors.Is(err, issuance.ErrOperationNotSupported),
		errors.Is(err, issuance.ErrMalformedToken),
		errors.Is(err, issuance.ErrInvalidOrMissingProof),
		errors.Is(err, issuance.ErrExpiredTransactionCode):
		return http.StatusBadRequest
	case errors.Is(err, issuance.ErrUnauthorizedSigner):
		return http.StatusUnauthorized
	case errors.Is(err, issuance.ErrEncoding),
		errors.Is(err, issuance.ErrSigningFailed),
		errors.Is(err, issuance.ErrDelivery),
		errors.Is(err, issuance.ErrDeferredRetrieval),
		errors.Is(err, issuance.ErrIllegalState):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CompleteIssuance validates the issuance request and starts a procedure.
// Offer schemas notify the recipient; push schemas sign and deliver
// synchronously.
func (ir IssuanceRouter) CompleteIssuance(c *gin.Context) {
	var request issuance.IssuanceRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	response, err := ir.service.CompleteIssuance(c, request, framework.GetAccessToken(c))
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "completing issuance", statusForError(err))
		return
	}
	framework.Respond(c, response, http.StatusCreated)
}

// CreateCredential serves the wallet's credential request addressed by the
// nonce inside its access token.
func (ir IssuanceRouter) CreateCredential(c *gin.Context) {
	var request issuance.CredentialRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	response, err := ir.service.GenerateCredentialResponse(c, request, framework.GetAccessToken(c))
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "generating credential response", statusForError(err))
		return
	}
	framework.Respond(c, response, http.StatusOK)
}

// CreateBatchCredentials serves a batch of credential requests bound to the
// same access token, preserving request order in the response.
func (ir IssuanceRouter) CreateBatchCredentials(c *gin.Context) {
	var request issuance.BatchCredentialRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	response, err := ir.service.GenerateBatchResponse(c, request, framework.GetAccessToken(c))
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "generating batch credential response", statusForError(err))
		return
	}
	framework.Respond(c, response, http.StatusOK)
}

// GetDeferredCredential exchanges a transaction id for the finished
// credential, or the same pending indicator while it is unsigned.
func (ir IssuanceRouter) GetDeferredCredential(c *gin.Context) {
	var request issuance.DeferredCredentialRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	response, err := ir.service.GenerateDeferredResponse(c, request)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "generating deferred credential response", statusForError(err))
		return
	}
	framework.Respond(c, response, http.StatusOK)
}

// BindAccessToken exchanges a pre-authorized code for the nonce binding used
// by all later credential requests.
func (ir IssuanceRouter) BindAccessToken(c *gin.Context) {
	var request issuance.AuthServerNonceRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	if err := ir.service.BindAccessTokenByPreAuthorizedCode(c, request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "binding access token", statusForError(err))
		return
	}
	framework.Respond(c, nil, http.StatusNoContent)
}

// SignProcedure signs a stored procedure's payload on behalf of an operator.
func (ir IssuanceRouter) SignProcedure(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "sign request missing procedure id", http.StatusBadRequest)
		return
	}

	if err := ir.service.SignProcedure(c, *id, framework.GetAccessToken(c)); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "signing procedure", statusForError(err))
		return
	}
	framework.Respond(c, nil, http.StatusCreated)
}

// UpdateSignedCredentials matches externally signed credentials back to their
// procedures.
func (ir IssuanceRouter) UpdateSignedCredentials(c *gin.Context) {
	var request issuance.SignedCredentialsRequest
	if err := framework.Decode(c, &request); err != nil {
		framework.RespondError(c, err)
		return
	}

	if err := ir.service.UpdateSignedCredentials(c, request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "updating signed credentials", statusForError(err))
		return
	}
	framework.Respond(c, nil, http.StatusNoContent)
}
