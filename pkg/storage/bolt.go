package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const DefaultBoltFile = "issuer-service.db"

// BoltDB is a file-based implementation of ServiceStorage backed by bbolt.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB instantiates a file-based storage instance for Bolt https://github.com/etcd-io/bbolt
func NewBoltDB(opts ...Option) (*BoltDB, error) {
	filePath := DefaultBoltFile
	for _, opt := range opts {
		if opt.ID == BoltFilePathOption {
			path, ok := opt.Option.(string)
			if !ok {
				return nil, errors.New("bolt filepath option must be a string")
			}
			filePath = path
		}
	}
	db, err := bolt.Open(filePath, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "opening bolt db")
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}

func (b *BoltDB) Write(_ context.Context, namespace, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	})
}

func (b *BoltDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	var result []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			result = append([]byte(nil), v...)
		}
		return nil
	})
	return result, err
}

func (b *BoltDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	v, err := b.Read(ctx, namespace, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (b *BoltDB) ReadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return result, err
}

func (b *BoltDB) ReadPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, v = cursor.Next() {
			result[string(k)] = append([]byte(nil), v...)
		}
		return nil
	})
	return result, err
}

// Update runs validate-then-write inside a single bolt write transaction.
func (b *BoltDB) Update(_ context.Context, namespace, key string, updater Updater) ([]byte, error) {
	var updated []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		current := bucket.Get([]byte(key))
		if current == nil {
			return ErrNotFound
		}
		if err = updater.Validate(current); err != nil {
			return err
		}
		updated, err = updater.Update(current)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return errors.Errorf("namespace<%s> does not exist", namespace)
		}
		return bucket.Delete([]byte(key))
	})
}

func (b *BoltDB) DeleteNamespace(_ context.Context, namespace string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(namespace)); err != nil {
			return errors.Wrapf(err, "deleting namespace<%s>", namespace)
		}
		return nil
	})
}
