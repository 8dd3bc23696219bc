package router

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/internal/token"
	"github.com/openvci/issuer-service/pkg/server/framework"
	svcframework "github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/service/procedure"
)

const (
	StatusParam    = "status"
	PageSizeParam  = "pageSize"
	PageTokenParam = "pageToken"
)

type ProcedureRouter struct {
	service *procedure.Service
}

func NewProcedureRouter(s svcframework.Service) (*ProcedureRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	procedureService, ok := s.(*procedure.Service)
	if !ok {
		return nil, fmt.Errorf("could not create procedure router with service type: %s", s.Type())
	}
	return &ProcedureRouter{service: procedureService}, nil
}

// ListProcedures lists the caller organization's procedures, newest first.
// The organization is taken from the access token, never from the request.
func (pr ProcedureRouter) ListProcedures(c *gin.Context) {
	claims, err := token.Parse(framework.GetAccessToken(c))
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "parsing access token", http.StatusUnauthorized)
		return
	}
	if claims.OrganizationIdentifier == "" {
		framework.LoggingRespondErrMsg(c, "access token carries no organization", http.StatusUnauthorized)
		return
	}

	request := procedure.ListProceduresRequest{OrganizationIdentifier: claims.OrganizationIdentifier}
	if status := framework.GetQueryValue(c, StatusParam); status != nil {
		request.Status = procedure.Status(*status)
	}
	if pageSize := framework.GetQueryValue(c, PageSizeParam); pageSize != nil {
		size, err := strconv.Atoi(*pageSize)
		if err != nil || size < 0 {
			framework.LoggingRespondErrMsg(c, "invalid pageSize", http.StatusBadRequest)
			return
		}
		request.PageSize = size
	}
	if pageToken := framework.GetQueryValue(c, PageTokenParam); pageToken != nil {
		request.PageToken = *pageToken
	}

	response, err := pr.service.ListProcedures(c, request)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "listing procedures", http.StatusInternalServerError)
		return
	}
	framework.Respond(c, response, http.StatusOK)
}

// GetProcedure returns one procedure by id, scoped to the caller's organization.
func (pr ProcedureRouter) GetProcedure(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "get request missing procedure id", http.StatusBadRequest)
		return
	}
	claims, err := token.Parse(framework.GetAccessToken(c))
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "parsing access token", http.StatusUnauthorized)
		return
	}

	proc, err := pr.service.GetProcedure(c, *id)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "getting procedure", http.StatusInternalServerError)
		return
	}
	if proc == nil || proc.OrganizationIdentifier != claims.OrganizationIdentifier {
		framework.LoggingRespondErrMsg(c, fmt.Sprintf("procedure not found: %s", *id), http.StatusNotFound)
		return
	}
	framework.Respond(c, proc, http.StatusOK)
}
