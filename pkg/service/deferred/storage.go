package deferred

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/pkg/storage"
)

const (
	metadataNamespace   = "deferred-metadata"
	codeIndexNamespace  = "deferred-code-index"
	nonceIndexNamespace = "deferred-nonce-index"
)

// ErrExpiredTransactionCode is returned when a transaction code has already
// been consumed or never existed.
var ErrExpiredTransactionCode = errors.New("transaction code expired or already consumed")

type Storage struct {
	db storage.ServiceStorage
}

func NewDeferredStorage(db storage.ServiceStorage) (*Storage, error) {
	if db == nil {
		return nil, errors.New("db reference is nil")
	}
	return &Storage{db: db}, nil
}

func (ds *Storage) StoreMetadata(ctx context.Context, metadata Metadata) error {
	if metadata.ProcedureID == "" {
		return errors.New("could not store metadata without a procedure ID")
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "metadata marshal")
	}
	if err = ds.db.Write(ctx, metadataNamespace, metadata.ProcedureID, metadataBytes); err != nil {
		return errors.Wrapf(err, "writing metadata: %s", metadata.ProcedureID)
	}
	if metadata.TransactionCode != "" {
		if err = ds.db.Write(ctx, codeIndexNamespace, metadata.TransactionCode, []byte(metadata.ProcedureID)); err != nil {
			return errors.Wrapf(err, "indexing metadata by transaction code")
		}
	}
	if metadata.AuthServerNonce != "" {
		if err = ds.db.Write(ctx, nonceIndexNamespace, metadata.AuthServerNonce, []byte(metadata.ProcedureID)); err != nil {
			return errors.Wrapf(err, "indexing metadata by nonce")
		}
	}
	return nil
}

func (ds *Storage) GetMetadata(ctx context.Context, procedureID string) (*Metadata, error) {
	metadataBytes, err := ds.db.Read(ctx, metadataNamespace, procedureID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading metadata: %s", procedureID)
	}
	if len(metadataBytes) == 0 {
		return nil, nil
	}
	var metadata Metadata
	if err = json.Unmarshal(metadataBytes, &metadata); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling metadata: %s", procedureID)
	}
	return &metadata, nil
}

func (ds *Storage) GetMetadataByNonce(ctx context.Context, authServerNonce string) (*Metadata, error) {
	procedureID, err := ds.db.Read(ctx, nonceIndexNamespace, authServerNonce)
	if err != nil {
		return nil, errors.Wrap(err, "reading nonce index")
	}
	if len(procedureID) == 0 {
		return nil, nil
	}
	return ds.GetMetadata(ctx, string(procedureID))
}

// ConsumeTransactionCode atomically exchanges the single-use code for the
// auth server nonce binding. The claim runs as a guarded update on the
// metadata row, so concurrent duplicate exchanges cannot both succeed.
func (ds *Storage) ConsumeTransactionCode(ctx context.Context, transactionCode, authServerNonce string) (*Metadata, error) {
	procedureID, err := ds.db.Read(ctx, codeIndexNamespace, transactionCode)
	if err != nil {
		return nil, errors.Wrap(err, "reading transaction code index")
	}
	if len(procedureID) == 0 {
		return nil, errors.Wrapf(ErrExpiredTransactionCode, "code<%s>", transactionCode)
	}

	updatedBytes, err := ds.db.Update(ctx, metadataNamespace, string(procedureID), storage.GuardedUpdater{
		Updater: storage.NewUpdater(map[string]any{
			"transactionCode": "",
			"authServerNonce": authServerNonce,
		}),
		Guard: func(current []byte) error {
			var metadata Metadata
			if err := json.Unmarshal(current, &metadata); err != nil {
				return errors.Wrap(err, "unmarshalling metadata")
			}
			if metadata.TransactionCode != transactionCode {
				return errors.Wrapf(ErrExpiredTransactionCode, "code<%s>", transactionCode)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(ErrExpiredTransactionCode, "code<%s>", transactionCode)
		}
		return nil, err
	}

	if err = ds.db.Delete(ctx, codeIndexNamespace, transactionCode); err != nil {
		return nil, errors.Wrap(err, "deleting consumed transaction code")
	}
	if err = ds.db.Write(ctx, nonceIndexNamespace, authServerNonce, procedureID); err != nil {
		return nil, errors.Wrap(err, "indexing metadata by nonce")
	}

	var updated Metadata
	if err = json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, errors.Wrap(err, "unmarshalling updated metadata")
	}
	return &updated, nil
}

// RefreshTransactionCode replaces an unconsumed code with a new one.
func (ds *Storage) RefreshTransactionCode(ctx context.Context, procedureID, newCode string) (*Metadata, error) {
	existing, err := ds.GetMetadata(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.Wrapf(storage.ErrNotFound, "metadata<%s>", procedureID)
	}

	updatedBytes, err := ds.db.Update(ctx, metadataNamespace, procedureID, storage.NewUpdater(map[string]any{
		"transactionCode": newCode,
	}))
	if err != nil {
		return nil, err
	}
	if existing.TransactionCode != "" {
		if err = ds.db.Delete(ctx, codeIndexNamespace, existing.TransactionCode); err != nil {
			return nil, errors.Wrap(err, "deleting replaced transaction code")
		}
	}
	if err = ds.db.Write(ctx, codeIndexNamespace, newCode, []byte(procedureID)); err != nil {
		return nil, errors.Wrap(err, "indexing metadata by transaction code")
	}

	var updated Metadata
	if err = json.Unmarshal(updatedBytes, &updated); err != nil {
		return nil, errors.Wrap(err, "unmarshalling updated metadata")
	}
	return &updated, nil
}

// DeleteByNonce removes the metadata row and its indexes once the issuance
// session completes.
func (ds *Storage) DeleteByNonce(ctx context.Context, authServerNonce string) error {
	metadata, err := ds.GetMetadataByNonce(ctx, authServerNonce)
	if err != nil {
		return err
	}
	if metadata == nil {
		return nil
	}
	if metadata.TransactionCode != "" {
		if err = ds.db.Delete(ctx, codeIndexNamespace, metadata.TransactionCode); err != nil {
			return errors.Wrap(err, "deleting transaction code index")
		}
	}
	if err = ds.db.Delete(ctx, nonceIndexNamespace, authServerNonce); err != nil {
		return errors.Wrap(err, "deleting nonce index")
	}
	return ds.db.Delete(ctx, metadataNamespace, metadata.ProcedureID)
}

func (ds *Storage) DeleteMetadata(ctx context.Context, procedureID string) error {
	metadata, err := ds.GetMetadata(ctx, procedureID)
	if err != nil {
		return err
	}
	if metadata == nil {
		return nil
	}
	if metadata.TransactionCode != "" {
		if err = ds.db.Delete(ctx, codeIndexNamespace, metadata.TransactionCode); err != nil {
			return errors.Wrap(err, "deleting transaction code index")
		}
	}
	if metadata.AuthServerNonce != "" {
		if err = ds.db.Delete(ctx, nonceIndexNamespace, metadata.AuthServerNonce); err != nil {
			return errors.Wrap(err, "deleting nonce index")
		}
	}
	return ds.db.Delete(ctx, metadataNamespace, procedureID)
}
