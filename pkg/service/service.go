package service

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/internal/did"
	"github.com/openvci/issuer-service/internal/encoder"
	"github.com/openvci/issuer-service/internal/identity"
	"github.com/openvci/issuer-service/internal/proof"
	"github.com/openvci/issuer-service/internal/signing"
	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/service/deferred"
	"github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/service/issuance"
	"github.com/openvci/issuer-service/pkg/service/notification"
	"github.com/openvci/issuer-service/pkg/service/procedure"
	"github.com/openvci/issuer-service/pkg/storage"
)

// IssuerService represents all services and their dependencies independent of transport
type IssuerService struct {
	Procedure    *procedure.Service
	Deferred     *deferred.Service
	Notification *notification.Service
	Issuance     *issuance.Service

	storage storage.ServiceStorage
}

// GetServices returns the services managed by the issuer, for readiness reporting.
func (s *IssuerService) GetServices() []framework.Service {
	return []framework.Service{s.Procedure, s.Deferred, s.Notification, s.Issuance}
}

// Close releases the storage provider.
func (s *IssuerService) Close() error {
	return s.storage.Close()
}

// InstantiateIssuerService creates a new instance of the issuer which
// instantiates all services and their dependencies independent of transport.
func InstantiateIssuerService(cfg config.ServicesConfig) (*IssuerService, error) {
	if err := validateServiceConfig(cfg); err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate issuer service, invalid config")
	}
	service, err := instantiateServices(cfg)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the issuer service")
	}
	return service, nil
}

func validateServiceConfig(cfg config.ServicesConfig) error {
	if !storage.IsStorageAvailable(storage.Type(cfg.StorageProvider)) {
		return fmt.Errorf("%s storage provider configured, but not available", cfg.StorageProvider)
	}
	if cfg.Issuance.IssuerDID == "" {
		return fmt.Errorf("%s service has no issuer DID configured", framework.Issuance)
	}
	if cfg.Signer.Endpoint == "" {
		return fmt.Errorf("no remote signer endpoint configured")
	}
	if cfg.Email.SMTPHost == "" {
		return fmt.Errorf("%s service has no smtp host configured", framework.Notification)
	}
	return nil
}

func instantiateServices(cfg config.ServicesConfig) (*IssuerService, error) {
	storageProvider, err := storage.NewServiceStorage(storage.Type(cfg.StorageProvider), storageOptions(cfg.StorageOptions)...)
	if err != nil {
		return nil, util.LoggingErrorMsgf(err, "could not instantiate storage provider: %s", cfg.StorageProvider)
	}

	procedureService, err := procedure.NewProcedureService(storageProvider)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the procedure service")
	}

	deferredService, err := deferred.NewDeferredService(storageProvider)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the deferred service")
	}

	dispatcher, err := notification.NewSMTPDispatcher(cfg.Email.SMTPHost, cfg.Email.SMTPPort,
		cfg.Email.Username, cfg.Email.Password, cfg.Email.From)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the smtp dispatcher")
	}
	notificationService, err := notification.NewNotificationService(dispatcher)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the notification service")
	}

	signer, err := signing.NewRemoteSigner(cfg.Signer.Endpoint, cfg.Signer.RequestTimeout)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the remote signer")
	}
	credentialEncoder, err := encoder.NewCredentialEncoder(signer, cfg.Issuance.IssuerDID, cfg.Issuance.CredentialValidity)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the credential encoder")
	}

	proofValidator, err := proof.NewValidator(did.NewTokenVerifier())
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the proof validator")
	}

	tokens, err := tokenSource(cfg.Verifier)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the m2m token client")
	}

	issuanceService, err := issuance.NewIssuanceService(cfg.Issuance, procedureService, deferredService,
		dispatcher, credentialEncoder, proofValidator, tokens)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate the issuance service")
	}

	return &IssuerService{
		Procedure:    procedureService,
		Deferred:     deferredService,
		Notification: notificationService,
		Issuance:     issuanceService,
		storage:      storageProvider,
	}, nil
}

// tokenSource builds the m2m token client when the verifier is fully
// configured; otherwise the response-uri push path stays disabled.
func tokenSource(cfg config.VerifierConfig) (identity.TokenSource, error) {
	if cfg.TokenEndpoint == "" || cfg.ClientCredential == "" || cfg.ClientAssertionKey == "" {
		logrus.Info("verifier not fully configured, m2m token retrieval disabled")
		return nil, nil
	}
	assertionKey, err := jwk.ParseKey([]byte(cfg.ClientAssertionKey))
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "parsing client assertion key")
	}
	return identity.NewM2MTokenClient(cfg.TokenEndpoint, cfg.ClientCredential, assertionKey)
}

func storageOptions(opts config.StorageOptions) []storage.Option {
	var out []storage.Option
	if opts.BoltFilePath != "" {
		out = append(out, storage.Option{ID: storage.BoltFilePathOption, Option: opts.BoltFilePath})
	}
	if opts.RedisAddress != "" {
		out = append(out, storage.Option{ID: storage.RedisAddressOption, Option: opts.RedisAddress})
	}
	if opts.RedisPassword != "" {
		out = append(out, storage.Option{ID: storage.PasswordOption, Option: opts.RedisPassword})
	}
	return out
}
