// Package issuance drives the credential issuance state machine: it
// correlates a procedure across disconnected HTTP interactions, branches on
// operation mode and credential schema, and hands payloads to the encoding
// pipeline.
package issuance

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/internal/credentialschema"
	"github.com/openvci/issuer-service/internal/encoder"
	"github.com/openvci/issuer-service/internal/identity"
	"github.com/openvci/issuer-service/internal/proof"
	"github.com/openvci/issuer-service/internal/token"
	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/service/deferred"
	"github.com/openvci/issuer-service/pkg/service/framework"
	"github.com/openvci/issuer-service/pkg/service/notification"
	"github.com/openvci/issuer-service/pkg/service/procedure"
)

const (
	defaultBatchConcurrency = 4
	pushTimeout             = 30 * time.Second
)

// Service is the issuance coordinator.
type Service struct {
	Clock clock.Clock

	config         config.IssuanceConfig
	procedures     *procedure.Service
	sessions       *deferred.Service
	notifier       notification.Dispatcher
	encoder        *encoder.CredentialEncoder
	proofValidator *proof.Validator
	// tokens provides machine-to-machine tokens for response-uri pushes;
	// nil disables the push path.
	tokens     identity.TokenSource
	httpClient *http.Client
}

func (s *Service) Type() framework.Type {
	return framework.Issuance
}

func (s *Service) Status() framework.Status {
	var missing []string
	if s.procedures == nil {
		missing = append(missing, "no procedure service configured")
	}
	if s.sessions == nil {
		missing = append(missing, "no deferred service configured")
	}
	if s.notifier == nil {
		missing = append(missing, "no notifier configured")
	}
	if s.encoder == nil {
		missing = append(missing, "no encoder configured")
	}
	if s.proofValidator == nil {
		missing = append(missing, "no proof validator configured")
	}
	if len(missing) > 0 {
		return framework.Status{
			Status:  framework.StatusNotReady,
			Message: fmt.Sprintf("issuance service is not ready: %s", missing),
		}
	}
	return framework.Status{Status: framework.StatusReady}
}

func NewIssuanceService(cfg config.IssuanceConfig, procedures *procedure.Service, sessions *deferred.Service,
	notifier notification.Dispatcher, credentialEncoder *encoder.CredentialEncoder, proofValidator *proof.Validator,
	tokens identity.TokenSource) (*Service, error) {
	service := Service{
		Clock:          clock.New(),
		config:         cfg,
		procedures:     procedures,
		sessions:       sessions,
		notifier:       notifier,
		encoder:        credentialEncoder,
		proofValidator: proofValidator,
		tokens:         tokens,
		httpClient:     &http.Client{Timeout: pushTimeout},
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// CompleteIssuance validates an issuance request and starts a procedure. All
// input checks run before any row is created: format, then schema, then the
// schema's mode/response-uri/signer rules.
func (s *Service) CompleteIssuance(ctx context.Context, request IssuanceRequest, accessToken string) (*IssuanceResponse, error) {
	logrus.Debugf("issuance requested for schema<%s>", util.SanitizeLog(request.Schema))

	format, err := encoder.ParseFormat(request.Format)
	if err != nil {
		return nil, err
	}
	schema, err := credentialschema.Parse(request.Schema)
	if err != nil {
		return nil, errors.Wrapf(ErrCredentialTypeUnsupported, "schema<%s>", request.Schema)
	}
	mode, err := deferred.ParseOperationMode(request.OperationMode)
	if err != nil {
		return nil, errors.Wrap(ErrOperationNotSupported, err.Error())
	}
	claims, err := token.Parse(accessToken)
	if err != nil {
		return nil, err
	}

	switch schema {
	case credentialschema.LEARCredentialEmployee:
		return s.startOfferedIssuance(ctx, schema, format, mode, request, claims)
	case credentialschema.VerifiableCertification:
		return s.completePushIssuance(ctx, schema, format, mode, request, claims, accessToken)
	default:
		return nil, errors.Wrapf(ErrCredentialTypeUnsupported, "schema<%s>", schema)
	}
}

// startOfferedIssuance creates a draft procedure plus its session row and
// notifies the credential's recipient with a claim link.
func (s *Service) startOfferedIssuance(ctx context.Context, schema credentialschema.Schema, format encoder.Format,
	mode deferred.OperationMode, request IssuanceRequest, claims *token.Claims) (*IssuanceResponse, error) {
	recipient, err := schema.RecipientFromPayload(request.Payload)
	if err != nil {
		return nil, err
	}

	var claimData map[string]any
	if err = json.Unmarshal(request.Payload, &claimData); err != nil {
		return nil, errors.Wrap(ErrEncoding, "issuance payload is not a JSON object")
	}
	subject := map[string]any{"mandate": claimData}
	payload, err := s.encoder.BuildPayload(schemaTemplate(schema), subject, "")
	if err != nil {
		return nil, err
	}
	decoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrEncoding, err.Error())
	}

	created, err := s.procedures.CreateProcedure(ctx, procedure.CreateProcedureRequest{
		Schema:                 string(schema),
		Format:                 string(format),
		CredentialID:           payload["jti"].(string),
		DecodedCredential:      string(decoded),
		OrganizationIdentifier: claims.OrganizationIdentifier,
	})
	if err != nil {
		return nil, err
	}
	procedureID := created.Procedure.ID

	transactionCode, err := s.sessions.CreateMetadata(ctx, procedureID, mode, string(format), "")
	if err != nil {
		return nil, err
	}

	offer := notification.CredentialOffer{
		To:               recipient.Email,
		Name:             recipient.Name,
		Link:             fmt.Sprintf("%s/credential-offer?transaction_code=%s", s.config.UIExternalDomain, transactionCode),
		Organization:     claims.OrganizationIdentifier,
		WalletURL:        s.config.WalletURL,
		KnowledgebaseURL: s.config.KnowledgebaseURL,
	}
	if err = s.notifier.SendCredentialOffer(ctx, offer); err != nil {
		// The procedure exists and the code is valid; the offer can be
		// resent, so the issuance itself does not fail.
		logrus.WithError(err).Error("sending credential offer")
	}

	return &IssuanceResponse{ProcedureID: procedureID, TransactionCode: transactionCode}, nil
}

// completePushIssuance signs immediately and pushes the credential to the
// caller-supplied response uri. Only the sync mode is supported, and only for
// callers vouched for by the trusted certification authority.
func (s *Service) completePushIssuance(ctx context.Context, schema credentialschema.Schema, format encoder.Format,
	mode deferred.OperationMode, request IssuanceRequest, claims *token.Claims, accessToken string) (*IssuanceResponse, error) {
	if request.ResponseURI == "" {
		return nil, errors.Wrapf(ErrOperationNotSupported, "schema<%s> requires a response uri", schema)
	}
	if mode != deferred.ModeSync {
		return nil, errors.Wrapf(ErrOperationNotSupported, "schema<%s> supports only sync issuance", schema)
	}
	if claims.Issuer == "" || claims.Issuer != s.config.TrustedCertificationAuthorityDID {
		return nil, errors.Wrapf(ErrUnauthorizedSigner, "issuer<%s>", util.SanitizeLog(claims.Issuer))
	}

	// The subject must enter the envelope as structured data; raw JSON bytes
	// would survive the compact signed format but turn into a CBOR byte
	// string on the binary pipeline.
	var subject map[string]any
	if err := json.Unmarshal(request.Payload, &subject); err != nil {
		return nil, errors.Wrap(ErrEncoding, "issuance payload is not a JSON object")
	}
	payload, err := s.encoder.BuildPayload(schemaTemplate(schema), subject, "")
	if err != nil {
		return nil, err
	}
	decoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrEncoding, err.Error())
	}

	created, err := s.procedures.CreateProcedure(ctx, procedure.CreateProcedureRequest{
		Schema:                 string(schema),
		Format:                 string(format),
		CredentialID:           payload["jti"].(string),
		DecodedCredential:      string(decoded),
		OrganizationIdentifier: claims.OrganizationIdentifier,
	})
	if err != nil {
		return nil, err
	}
	procedureID := created.Procedure.ID

	encoded, err := s.encoder.Encode(ctx, format, payload, accessToken)
	if err != nil {
		return nil, err
	}
	if _, err = s.procedures.AttachEncodedCredential(ctx, procedureID, encoded, procedure.StatusSigned); err != nil {
		return nil, err
	}

	if err = s.pushCredential(ctx, request.ResponseURI, encoded); err != nil {
		return nil, err
	}
	if _, err = s.procedures.AdvanceStatus(ctx, procedureID, procedure.StatusValid); err != nil {
		return nil, err
	}
	return &IssuanceResponse{ProcedureID: procedureID}, nil
}

// GenerateCredentialResponse serves a wallet's credential request addressed
// by the nonce inside its access token.
func (s *Service) GenerateCredentialResponse(ctx context.Context, request CredentialRequest, accessToken string) (*CredentialResponse, error) {
	format, err := encoder.ParseFormat(request.Format)
	if err != nil {
		return nil, err
	}
	claims, err := token.Parse(accessToken)
	if err != nil {
		return nil, err
	}
	authServerNonce := claims.JTI
	if authServerNonce == "" {
		return nil, errors.Wrap(ErrMalformedToken, "access token has no jti")
	}

	valid, err := s.proofValidator.IsProofValid(ctx, request.Proof.JWT, accessToken)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, errors.Wrap(ErrInvalidOrMissingProof, "proof rejected")
	}
	holderDID, err := s.proofValidator.ExtractHolderDID(request.Proof.JWT)
	if err != nil {
		return nil, err
	}

	metadata, err := s.sessions.GetMetadataByNonce(ctx, authServerNonce)
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		return nil, errors.Wrapf(ErrIllegalState, "no issuance session bound to nonce<%s>", util.SanitizeLog(authServerNonce))
	}
	proc, err := s.procedures.GetProcedure(ctx, metadata.ProcedureID)
	if err != nil {
		return nil, err
	}
	if proc == nil {
		return nil, errors.Wrapf(ErrIllegalState, "session points at missing procedure<%s>", metadata.ProcedureID)
	}

	decoded, payload, err := bindSubject(proc.DecodedCredential, holderDID)
	if err != nil {
		return nil, err
	}

	response := CredentialResponse{
		Format:          string(format),
		CNonce:          uuid.NewString(),
		CNonceExpiresIn: int64(s.config.CNonceExpiresIn.Seconds()),
	}

	switch metadata.OperationMode {
	case deferred.ModeSync:
		encoded, err := s.encoder.Encode(ctx, format, payload, accessToken)
		if err != nil {
			return nil, err
		}
		if _, err = s.procedures.AttachEncodedCredential(ctx, proc.ID, encoded, procedure.StatusSigned); err != nil {
			return nil, err
		}
		if _, err = s.procedures.AdvanceStatus(ctx, proc.ID, procedure.StatusValid); err != nil {
			return nil, err
		}
		if err = s.sessions.DeleteByNonce(ctx, authServerNonce); err != nil {
			return nil, err
		}
		response.Credential = encoded
		return &response, nil

	case deferred.ModeAsync:
		if _, err = s.procedures.UpdateDecodedCredential(ctx, proc.ID, decoded); err != nil {
			return nil, err
		}
		transactionID, err := s.procedures.OpenClaimWindow(ctx, proc.ID)
		if err != nil {
			return nil, err
		}
		s.notifyPending(ctx, proc.ID)
		response.Credential = decoded
		response.TransactionID = transactionID
		return &response, nil

	default:
		return nil, errors.Wrapf(ErrIllegalState, "unknown operation mode<%s> for procedure<%s>", metadata.OperationMode, proc.ID)
	}
}

// notifyPending tells the credential's recipient a signature is outstanding.
// Failures are logged; the credential response has already been produced.
func (s *Service) notifyPending(ctx context.Context, procedureID string) {
	recipient, err := s.procedures.Recipient(ctx, procedureID)
	if err != nil {
		logrus.WithError(err).Errorf("resolving pending-notification recipient for procedure<%s>", procedureID)
		return
	}
	if err = s.notifier.SendPendingCredentialNotification(ctx, recipient.Email); err != nil {
		logrus.WithError(err).Errorf("sending pending notification for procedure<%s>", procedureID)
	}
}

// GenerateBatchResponse fans GenerateCredentialResponse out over the batch
// with bounded concurrency, preserving input order in the result. Any item
// failure fails the batch.
func (s *Service) GenerateBatchResponse(ctx context.Context, request BatchCredentialRequest, accessToken string) (*BatchCredentialResponse, error) {
	concurrency := s.config.BatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	items := make([]BatchCredentialItem, len(request.CredentialRequests))
	for i := range request.CredentialRequests {
		i := i
		credentialRequest := request.CredentialRequests[i]
		group.Go(func() error {
			response, err := s.GenerateCredentialResponse(groupCtx, credentialRequest, accessToken)
			if err != nil {
				return err
			}
			items[i] = BatchCredentialItem{Credential: response.Credential}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return &BatchCredentialResponse{
		CredentialResponses: items,
		CNonce:              uuid.NewString(),
		CNonceExpiresIn:     int64(s.config.CNonceExpiresIn.Seconds()),
	}, nil
}

// GenerateDeferredResponse returns the finished credential for an open claim
// window, or the same pending indicator while the signature is outstanding.
// Retrieval after completion is idempotent.
func (s *Service) GenerateDeferredResponse(ctx context.Context, request DeferredCredentialRequest) (*CredentialResponse, error) {
	proc, err := s.procedures.GetProcedureByTransactionID(ctx, request.TransactionID)
	if err != nil {
		return nil, errors.Wrap(ErrDeferredRetrieval, err.Error())
	}
	if proc == nil {
		return nil, errors.Wrapf(ErrDeferredRetrieval, "unknown transaction id<%s>", util.SanitizeLog(request.TransactionID))
	}

	if proc.EncodedCredential == "" {
		return &CredentialResponse{
			Format:        proc.Format,
			TransactionID: request.TransactionID,
		}, nil
	}

	// The claim window stays open so repeated retrievals keep returning the
	// finished credential.
	if proc.Status.CanAdvanceTo(procedure.StatusEmitted) {
		if _, err = s.procedures.AdvanceStatus(ctx, proc.ID, procedure.StatusEmitted); err != nil {
			return nil, errors.Wrap(ErrDeferredRetrieval, err.Error())
		}
		if err = s.sessions.DeleteMetadata(ctx, proc.ID); err != nil {
			return nil, errors.Wrap(ErrDeferredRetrieval, err.Error())
		}
	}

	return &CredentialResponse{
		Credential: proc.EncodedCredential,
		Format:     proc.Format,
	}, nil
}

// BindAccessTokenByPreAuthorizedCode exchanges a pre-authorized code for the
// nonce binding that addresses all later credential requests.
func (s *Service) BindAccessTokenByPreAuthorizedCode(ctx context.Context, request AuthServerNonceRequest) error {
	claims, err := token.Parse(request.AccessToken)
	if err != nil {
		return err
	}
	if claims.JTI == "" {
		return errors.Wrap(ErrMalformedToken, "access token has no jti")
	}
	_, err = s.sessions.BindAuthServerNonce(ctx, request.PreAuthorizedCode, claims.JTI)
	return err
}

// SignProcedure signs a stored procedure's payload on behalf of an operator.
func (s *Service) SignProcedure(ctx context.Context, procedureID, accessToken string) error {
	proc, err := s.procedures.GetProcedure(ctx, procedureID)
	if err != nil {
		return err
	}
	if proc == nil {
		return util.LoggingNewErrorf("procedure not found: %s", util.SanitizeLog(procedureID))
	}
	format, err := encoder.ParseFormat(proc.Format)
	if err != nil {
		return err
	}
	var payload map[string]any
	if err = json.Unmarshal([]byte(proc.DecodedCredential), &payload); err != nil {
		return errors.Wrapf(ErrEncoding, "procedure<%s> holds an unreadable payload", procedureID)
	}
	encoded, err := s.encoder.Encode(ctx, format, payload, accessToken)
	if err != nil {
		return err
	}
	_, err = s.procedures.AttachEncodedCredential(ctx, procedureID, encoded, procedure.StatusSigned)
	return err
}

// UpdateSignedCredentials matches externally signed credentials back to their
// procedures by the credential id inside each token.
func (s *Service) UpdateSignedCredentials(ctx context.Context, request SignedCredentialsRequest) error {
	for _, signedCredential := range request.Credentials {
		credentialID, err := token.CredentialID(signedCredential)
		if err != nil {
			return err
		}
		if credentialID == "" {
			return errors.Wrap(ErrMalformedToken, "signed credential has no vc.id")
		}
		proc, err := s.procedures.GetProcedureByCredentialID(ctx, credentialID)
		if err != nil {
			return err
		}
		if proc == nil {
			return util.LoggingNewErrorf("no procedure for credential<%s>", util.SanitizeLog(credentialID))
		}
		if _, err = s.procedures.AttachEncodedCredential(ctx, proc.ID, signedCredential, procedure.StatusSigned); err != nil {
			return err
		}
		if proc.Schema == string(credentialschema.LEARCredentialEmployee) {
			s.notifySigned(ctx, proc.ID)
		}
	}
	return nil
}

func (s *Service) notifySigned(ctx context.Context, procedureID string) {
	recipient, err := s.procedures.Recipient(ctx, procedureID)
	if err != nil {
		logrus.WithError(err).Errorf("resolving signed-notification recipient for procedure<%s>", procedureID)
		return
	}
	if err = s.notifier.SendCredentialSignedNotification(ctx, recipient.Email, recipient.Name); err != nil {
		logrus.WithError(err).Errorf("sending signed notification for procedure<%s>", procedureID)
	}
}

// pushCredential delivers a signed credential to a response uri using a
// machine-to-machine token.
func (s *Service) pushCredential(ctx context.Context, responseURI, encodedCredential string) error {
	if s.tokens == nil {
		return util.LoggingNewError("response-uri push requires a configured token source")
	}
	accessToken, err := s.tokens.GetToken(ctx)
	if err != nil {
		return errors.Wrap(err, "obtaining m2m token")
	}

	body, err := json.Marshal(map[string]string{"credential": encodedCredential})
	if err != nil {
		return errors.Wrap(err, "marshalling push body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURI, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &DeliveryError{URI: responseURI, Err: err}
	}
	defer resp.Body.Close()
	if !util.Is2xxResponse(resp.StatusCode) {
		return &DeliveryError{URI: responseURI, StatusCode: resp.StatusCode}
	}
	return nil
}

// bindSubject sets the holder DID as the envelope subject and returns both
// serialized and structured forms.
func bindSubject(decodedCredential, holderDID string) (string, map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(decodedCredential), &payload); err != nil {
		return "", nil, errors.Wrap(ErrEncoding, "stored credential payload is unreadable")
	}
	payload["sub"] = holderDID
	bound, err := json.Marshal(payload)
	if err != nil {
		return "", nil, errors.Wrap(ErrEncoding, err.Error())
	}
	return string(bound), payload, nil
}

// schemaTemplate is the static portion of each credential type's vc document.
func schemaTemplate(schema credentialschema.Schema) map[string]any {
	return map[string]any{
		"@context": []string{
			"https://www.w3.org/2018/credentials/v1",
			"https://trust-framework.dome-marketplace.eu/credentials/v1",
		},
		"type": []string{"VerifiableCredential", string(schema)},
	}
}
