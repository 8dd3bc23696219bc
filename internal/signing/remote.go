package signing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/internal/util"
)

const defaultSignTimeout = 30 * time.Second

// RemoteSigner signs payloads by calling an external digital signature
// service over HTTPS. Transient transport errors are retried with exponential
// backoff; non-2xx responses are not retried.
type RemoteSigner struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
}

// NewRemoteSigner builds a signer against the given signature endpoint. The
// timeout bounds each request and the whole retry loop; zero falls back to
// the default.
func NewRemoteSigner(endpoint string, timeout time.Duration) (*RemoteSigner, error) {
	if endpoint == "" {
		return nil, errors.New("signature endpoint is required")
	}
	if timeout <= 0 {
		timeout = defaultSignTimeout
	}
	return &RemoteSigner{
		endpoint: endpoint,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Sign submits the signature request and returns the signed data. The bearer
// token authenticates the issuer against the signature service.
func (r *RemoteSigner) Sign(ctx context.Context, request SignatureRequest, authToken string) (*SignedData, error) {
	requestBytes, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling signature request")
	}

	var respBody []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(requestBytes))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			logrus.WithError(err).Debug("signature request failed, retrying")
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if !util.Is2xxResponse(resp.StatusCode) {
			return backoff.Permanent(errors.Wrapf(ErrSigningFailed, "signature service returned %d: %s", resp.StatusCode, util.SanitizeLog(string(body))))
		}
		respBody = body
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = r.timeout
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		if errors.Is(err, ErrSigningFailed) {
			return nil, err
		}
		return nil, errors.Wrap(ErrSigningFailed, err.Error())
	}

	var signed SignedData
	if err := json.Unmarshal(respBody, &signed); err != nil {
		return nil, errors.Wrap(err, "unmarshalling signature response")
	}
	if signed.Data == "" {
		return nil, errors.Wrap(ErrSigningFailed, "signature service returned empty data")
	}
	return &signed, nil
}

// String is used in ready checks and logs.
func (r *RemoteSigner) String() string {
	return fmt.Sprintf("RemoteSigner<%s>", r.endpoint)
}
