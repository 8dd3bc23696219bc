package storage

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Type identifies a storage provider.
type Type string

const (
	Memory Type = "memory"
	Bolt   Type = "bolt"
	Redis  Type = "redis"
)

// ErrNotFound is returned by Update and conditional operations when the
// addressed key does not exist.
var ErrNotFound = errors.New("key not found")

// ServiceStorage describes the api for storage independent of DB providers.
// Read returns (nil, nil) for a missing key; Update returns ErrNotFound.
type ServiceStorage interface {
	Close() error
	Write(ctx context.Context, namespace, key string, value []byte) error
	Read(ctx context.Context, namespace, key string) ([]byte, error)
	Exists(ctx context.Context, namespace, key string) (bool, error)
	ReadAll(ctx context.Context, namespace string) (map[string][]byte, error)
	ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error)
	// Update applies the updater atomically: Validate is evaluated against the
	// current value inside the same critical section as the write, so it can be
	// used as a claim-if-still-in-expected-state guard.
	Update(ctx context.Context, namespace, key string, updater Updater) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Option is a provider-specific configuration value.
type Option struct {
	ID     OptionKey
	Option any
}

type OptionKey string

const (
	BoltFilePathOption OptionKey = "bolt-filepath-option"
	RedisAddressOption OptionKey = "redis-address-option"
	PasswordOption     OptionKey = "password-option"
)

// AvailableStorage returns the storage providers this build supports.
func AvailableStorage() []Type {
	return []Type{Memory, Bolt, Redis}
}

// IsStorageAvailable determines whether a given storage provider is available for instantiation.
func IsStorageAvailable(storageType Type) bool {
	if storageType == "" {
		return true
	}
	for _, available := range AvailableStorage() {
		if storageType == available {
			return true
		}
	}
	return false
}

// NewServiceStorage instantiates the configured storage provider.
func NewServiceStorage(storageType Type, opts ...Option) (ServiceStorage, error) {
	switch storageType {
	case Memory, "":
		return NewMemoryDB(), nil
	case Bolt:
		return NewBoltDB(opts...)
	case Redis:
		return NewRedisDB(opts...)
	default:
		return nil, errors.Errorf("unsupported storage provider: %s", storageType)
	}
}

// Updater encapsulates the logic for updating a value. Validate is always
// called with the current value before Update; returning an error aborts the
// write and surfaces the error to the caller.
type Updater interface {
	Validate(current []byte) error
	Update(current []byte) ([]byte, error)
}

// UpdaterWithMap merges the given values into the stored JSON document.
type UpdaterWithMap struct {
	Values map[string]any
}

// NewUpdater creates an updater which merges values into the current JSON value.
func NewUpdater(values map[string]any) UpdaterWithMap {
	return UpdaterWithMap{Values: values}
}

func (u UpdaterWithMap) Validate(_ []byte) error {
	return nil
}

func (u UpdaterWithMap) Update(current []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(current, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshalling current value")
	}
	for k, v := range u.Values {
		doc[k] = v
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling updated value")
	}
	return updated, nil
}

// GuardedUpdater wraps an Updater with a precondition evaluated against the
// current value. It is the building block for claim-style state transitions
// where concurrent duplicate requests must not both succeed.
type GuardedUpdater struct {
	Updater
	Guard func(current []byte) error
}

func (g GuardedUpdater) Validate(current []byte) error {
	if g.Guard != nil {
		if err := g.Guard(current); err != nil {
			return err
		}
	}
	return g.Updater.Validate(current)
}
