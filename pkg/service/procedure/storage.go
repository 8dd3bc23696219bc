package procedure

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openvci/issuer-service/internal/util"
	"github.com/openvci/issuer-service/pkg/storage"
)

const (
	procedureNamespace        = "procedure"
	credentialIndexNamespace  = "procedure-credential-index"
	transactionIndexNamespace = "procedure-transaction-index"
)

// ErrInvalidStatusTransition is returned when an update would move a
// procedure backwards or to the status it already has.
var ErrInvalidStatusTransition = errors.New("invalid status transition")

type Storage struct {
	db    storage.ServiceStorage
	clock clock.Clock
}

func NewProcedureStorage(db storage.ServiceStorage) (*Storage, error) {
	if db == nil {
		return nil, errors.New("db reference is nil")
	}
	return &Storage{db: db, clock: clock.New()}, nil
}

func (ps *Storage) StoreProcedure(ctx context.Context, proc CredentialProcedure) error {
	if proc.ID == "" {
		return errors.New("could not store procedure without an ID")
	}
	procBytes, err := json.Marshal(proc)
	if err != nil {
		return util.LoggingErrorMsg(err, "procedure marshal")
	}
	if err = ps.db.Write(ctx, procedureNamespace, proc.ID, procBytes); err != nil {
		return errors.Wrapf(err, "writing procedure: %s", proc.ID)
	}
	if proc.CredentialID != "" {
		if err = ps.db.Write(ctx, credentialIndexNamespace, proc.CredentialID, []byte(proc.ID)); err != nil {
			return errors.Wrapf(err, "indexing procedure by credential: %s", proc.CredentialID)
		}
	}
	if proc.TransactionID != "" {
		if err = ps.db.Write(ctx, transactionIndexNamespace, proc.TransactionID, []byte(proc.ID)); err != nil {
			return errors.Wrapf(err, "indexing procedure by transaction: %s", proc.TransactionID)
		}
	}
	return nil
}

func (ps *Storage) GetProcedure(ctx context.Context, id string) (*CredentialProcedure, error) {
	procBytes, err := ps.db.Read(ctx, procedureNamespace, id)
	if err != nil {
		return nil, errors.Wrapf(err, "reading procedure: %s", id)
	}
	if len(procBytes) == 0 {
		return nil, nil
	}
	var proc CredentialProcedure
	if err = json.Unmarshal(procBytes, &proc); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling procedure: %s", id)
	}
	return &proc, nil
}

func (ps *Storage) GetProcedureByCredentialID(ctx context.Context, credentialID string) (*CredentialProcedure, error) {
	procedureID, err := ps.db.Read(ctx, credentialIndexNamespace, credentialID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading credential index: %s", credentialID)
	}
	if len(procedureID) == 0 {
		return nil, nil
	}
	return ps.GetProcedure(ctx, string(procedureID))
}

func (ps *Storage) GetProcedureByTransactionID(ctx context.Context, transactionID string) (*CredentialProcedure, error) {
	procedureID, err := ps.db.Read(ctx, transactionIndexNamespace, transactionID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transaction index: %s", transactionID)
	}
	if len(procedureID) == 0 {
		return nil, nil
	}
	return ps.GetProcedure(ctx, string(procedureID))
}

// ListProcedures returns an organization's procedures ordered by modification
// time descending. Pagination is offset based; the token encodes the offset.
func (ps *Storage) ListProcedures(ctx context.Context, organizationID string, status Status, pageSize int, pageToken string) ([]CredentialProcedure, string, error) {
	allBytes, err := ps.db.ReadAll(ctx, procedureNamespace)
	if err != nil {
		return nil, "", errors.Wrap(err, "reading procedures")
	}

	var procedures []CredentialProcedure
	for key, procBytes := range allBytes {
		var proc CredentialProcedure
		if err = json.Unmarshal(procBytes, &proc); err != nil {
			logrus.WithError(err).Warnf("unmarshal procedure<%s>", key)
			continue
		}
		if proc.OrganizationIdentifier != organizationID {
			continue
		}
		if status != "" && proc.Status != status {
			continue
		}
		procedures = append(procedures, proc)
	}
	sort.Slice(procedures, func(i, j int) bool {
		return procedures[i].ModifiedAt.After(procedures[j].ModifiedAt)
	})

	offset := 0
	if pageToken != "" {
		offset, err = decodePageToken(pageToken)
		if err != nil {
			return nil, "", err
		}
	}
	if offset >= len(procedures) {
		return nil, "", nil
	}
	procedures = procedures[offset:]

	var nextPageToken string
	if pageSize > 0 && len(procedures) > pageSize {
		procedures = procedures[:pageSize]
		nextPageToken = encodePageToken(offset + pageSize)
	}
	return procedures, nextPageToken, nil
}

// UpdateStatus advances the procedure. The transition check runs inside the
// store's critical section, so two concurrent writers cannot both claim the
// same transition.
func (ps *Storage) UpdateStatus(ctx context.Context, id string, next Status) (*CredentialProcedure, error) {
	return ps.guardedUpdate(ctx, id, next, map[string]any{
		"status":     next,
		"modifiedAt": ps.clock.Now().UTC(),
	})
}

// UpdateEncodedCredential persists the signed artifact and advances the
// status in the same write.
func (ps *Storage) UpdateEncodedCredential(ctx context.Context, id, encodedCredential string, next Status) (*CredentialProcedure, error) {
	return ps.guardedUpdate(ctx, id, next, map[string]any{
		"encodedCredential": encodedCredential,
		"status":            next,
		"modifiedAt":        ps.clock.Now().UTC(),
	})
}

func (ps *Storage) guardedUpdate(ctx context.Context, id string, next Status, values map[string]any) (*CredentialProcedure, error) {
	updatedBytes, err := ps.db.Update(ctx, procedureNamespace, id, storage.GuardedUpdater{
		Updater: storage.NewUpdater(values),
		Guard: func(current []byte) error {
			var proc CredentialProcedure
			if err := json.Unmarshal(current, &proc); err != nil {
				return errors.Wrapf(err, "unmarshalling procedure: %s", id)
			}
			if !proc.Status.CanAdvanceTo(next) {
				return errors.Wrapf(ErrInvalidStatusTransition, "%s to %s for procedure<%s>", proc.Status, next, id)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	var updated CredentialProcedure
	if err = json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling updated procedure: %s", id)
	}
	return &updated, nil
}

// UpdateDecodedCredential replaces the stored token payload, e.g. once the
// holder's DID is bound into it.
func (ps *Storage) UpdateDecodedCredential(ctx context.Context, id, decodedCredential string) (*CredentialProcedure, error) {
	updatedBytes, err := ps.db.Update(ctx, procedureNamespace, id, storage.NewUpdater(map[string]any{
		"decodedCredential": decodedCredential,
		"modifiedAt":        ps.clock.Now().UTC(),
	}))
	if err != nil {
		return nil, err
	}
	var updated CredentialProcedure
	if err = json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling updated procedure: %s", id)
	}
	return &updated, nil
}

// OpenClaimWindow marks the procedure downloaded and records the claim window
// marker in one guarded write. Reopening an already-open window keeps the
// existing marker, so re-entrant requests for the same session all agree on
// the transaction id instead of fighting over the status transition.
func (ps *Storage) OpenClaimWindow(ctx context.Context, id, transactionID string) (*CredentialProcedure, error) {
	updated, err := ps.guardedUpdate(ctx, id, StatusDownloaded, map[string]any{
		"status":        StatusDownloaded,
		"transactionId": transactionID,
		"modifiedAt":    ps.clock.Now().UTC(),
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidStatusTransition) {
			return nil, err
		}
		existing, getErr := ps.GetProcedure(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil || existing.TransactionID == "" {
			return nil, err
		}
		return existing, nil
	}
	if err = ps.db.Write(ctx, transactionIndexNamespace, transactionID, []byte(id)); err != nil {
		return nil, errors.Wrapf(err, "indexing procedure by transaction: %s", transactionID)
	}
	return updated, nil
}

// UpdateTransactionID replaces the transient claim window marker, keeping the
// transaction index in step. An empty transactionID clears the marker.
func (ps *Storage) UpdateTransactionID(ctx context.Context, id, transactionID string) (*CredentialProcedure, error) {
	existing, err := ps.GetProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "procedure<%s>", id)
	}
	updatedBytes, err := ps.db.Update(ctx, procedureNamespace, id, storage.NewUpdater(map[string]any{
		"transactionId": transactionID,
		"modifiedAt":    ps.clock.Now().UTC(),
	}))
	if err != nil {
		return nil, err
	}
	if existing.TransactionID != "" {
		if err = ps.db.Delete(ctx, transactionIndexNamespace, existing.TransactionID); err != nil {
			return nil, errors.Wrapf(err, "deleting transaction index: %s", existing.TransactionID)
		}
	}
	if transactionID != "" {
		if err = ps.db.Write(ctx, transactionIndexNamespace, transactionID, []byte(id)); err != nil {
			return nil, errors.Wrapf(err, "indexing procedure by transaction: %s", transactionID)
		}
	}
	var updated CredentialProcedure
	if err = json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling updated procedure: %s", id)
	}
	return &updated, nil
}

// EmitProcedure marks the procedure emitted and closes its claim window in
// one write.
func (ps *Storage) EmitProcedure(ctx context.Context, id string) (*CredentialProcedure, error) {
	existing, err := ps.GetProcedure(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "procedure<%s>", id)
	}
	updated, err := ps.guardedUpdate(ctx, id, StatusEmitted, map[string]any{
		"status":        StatusEmitted,
		"transactionId": "",
		"modifiedAt":    ps.clock.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if existing.TransactionID != "" {
		if err = ps.db.Delete(ctx, transactionIndexNamespace, existing.TransactionID); err != nil {
			return nil, errors.Wrapf(err, "deleting transaction index: %s", existing.TransactionID)
		}
	}
	return updated, nil
}

func (ps *Storage) DeleteProcedure(ctx context.Context, id string) error {
	proc, err := ps.GetProcedure(ctx, id)
	if err != nil {
		return err
	}
	if proc != nil && proc.CredentialID != "" {
		if err = ps.db.Delete(ctx, credentialIndexNamespace, proc.CredentialID); err != nil {
			return errors.Wrapf(err, "deleting credential index: %s", proc.CredentialID)
		}
	}
	if proc != nil && proc.TransactionID != "" {
		if err = ps.db.Delete(ctx, transactionIndexNamespace, proc.TransactionID); err != nil {
			return errors.Wrapf(err, "deleting transaction index: %s", proc.TransactionID)
		}
	}
	return ps.db.Delete(ctx, procedureNamespace, id)
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, errors.Wrap(err, "decoding page token")
	}
	offset, err := strconv.Atoi(string(decoded))
	if err != nil || offset < 0 {
		return 0, errors.New("malformed page token")
	}
	return offset, nil
}
