// Package server contains the full set of handler functions and routes
// supported by the http api
package server

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/server/framework"
	"github.com/openvci/issuer-service/pkg/server/middleware"
	"github.com/openvci/issuer-service/pkg/server/router"
	"github.com/openvci/issuer-service/pkg/service"
	svcframework "github.com/openvci/issuer-service/pkg/service/framework"
)

const (
	HealthPrefix    = "/health"
	ReadinessPrefix = "/readiness"
	V1Prefix        = "/v1"

	IssuancesPrefix   = "/issuances"
	CredentialsPrefix = "/credentials"
	BatchPath         = "/batch"
	DeferredPath      = "/deferred"
	SignedPath        = "/signed"
	NoncesPrefix      = "/nonces"
	ProceduresPrefix  = "/procedures"
	SignPath          = "/sign"
)

// IssuerServer exposes all dependencies needed to run a http server and all its services
type IssuerServer struct {
	*config.ServerConfig
	*service.IssuerService
	*framework.Server
}

// NewIssuerServer does two things: instantiates all services and registers their HTTP bindings
func NewIssuerServer(shutdown chan os.Signal, cfg config.IssuerServiceConfig) (*IssuerServer, error) {
	engine := setUpEngine(cfg.Server, shutdown)
	httpServer := framework.NewServer(cfg.Server, engine, shutdown)
	issuer, err := service.InstantiateIssuerService(cfg.Services)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "unable to instantiate issuer service")
	}

	// service-level routers
	engine.GET(HealthPrefix, router.Health)
	engine.GET(ReadinessPrefix, router.Readiness(issuer.GetServices()))

	// register all v1 routers
	v1 := engine.Group(V1Prefix)
	if err = IssuanceAPI(v1, issuer.Issuance); err != nil {
		return nil, util.LoggingErrorMsg(err, "unable to instantiate issuance API")
	}
	if err = ProcedureAPI(v1, issuer.Procedure); err != nil {
		return nil, util.LoggingErrorMsg(err, "unable to instantiate procedure API")
	}

	return &IssuerServer{
		Server:        httpServer,
		IssuerService: issuer,
		ServerConfig:  &cfg.Server,
	}, nil
}

// setUpEngine creates the gin engine and sets up the middleware based on config
func setUpEngine(cfg config.ServerConfig, shutdown chan os.Signal) *gin.Engine {
	middlewares := gin.HandlersChain{
		gin.Recovery(),
		middleware.Errors(shutdown),
		middleware.Logger(logrus.StandardLogger()),
		middleware.Metrics(),
	}
	if cfg.EnableAllowAllCORS {
		middlewares = append(middlewares, middleware.CORS())
	}

	engine := gin.New()
	engine.Use(middlewares...)

	switch cfg.Environment {
	case config.EnvironmentDev:
		gin.SetMode(gin.DebugMode)
	case config.EnvironmentTest:
		gin.SetMode(gin.TestMode)
	case config.EnvironmentProd:
		gin.SetMode(gin.ReleaseMode)
	}
	return engine
}

// IssuanceAPI registers all HTTP routes for the issuance service
func IssuanceAPI(rg *gin.RouterGroup, service svcframework.Service) (err error) {
	issuanceRouter, err := router.NewIssuanceRouter(service)
	if err != nil {
		return util.LoggingErrorMsg(err, "creating issuance router")
	}

	issuanceAPI := rg.Group(IssuancesPrefix)
	issuanceAPI.POST("", middleware.RequireAccessToken(), issuanceRouter.CompleteIssuance)

	credentialAPI := rg.Group(CredentialsPrefix)
	credentialAPI.POST("", middleware.RequireAccessToken(), issuanceRouter.CreateCredential)
	credentialAPI.POST(BatchPath, middleware.RequireAccessToken(), issuanceRouter.CreateBatchCredentials)
	credentialAPI.POST(DeferredPath, issuanceRouter.GetDeferredCredential)
	credentialAPI.POST(SignedPath, issuanceRouter.UpdateSignedCredentials)

	rg.POST(NoncesPrefix, issuanceRouter.BindAccessToken)
	rg.POST(ProceduresPrefix+"/:id"+SignPath, middleware.RequireAccessToken(), issuanceRouter.SignProcedure)
	return
}

// ProcedureAPI registers all HTTP routes for the procedure service
func ProcedureAPI(rg *gin.RouterGroup, service svcframework.Service) (err error) {
	procedureRouter, err := router.NewProcedureRouter(service)
	if err != nil {
		return util.LoggingErrorMsg(err, "creating procedure router")
	}

	procedureAPI := rg.Group(ProceduresPrefix, middleware.RequireAccessToken())
	procedureAPI.GET("", procedureRouter.ListProcedures)
	procedureAPI.GET("/:id", procedureRouter.GetProcedure)
	return
}
