package storage

import (
	"context"
	"strings"

	goredislib "github.com/redis/go-redis/v9"

	"github.com/pkg/errors"
)

const (
	namespaceSeparator = ":"
	redisScanBatchSize = 1000
	// maximum attempts for the optimistic Update transaction before giving up
	maxTxRetries = 10
)

// RedisDB implements ServiceStorage on a redis instance. Namespaces are
// encoded as key prefixes.
type RedisDB struct {
	db *goredislib.Client
}

func NewRedisDB(opts ...Option) (*RedisDB, error) {
	var address, password string
	for _, opt := range opts {
		switch opt.ID {
		case RedisAddressOption:
			addr, ok := opt.Option.(string)
			if !ok {
				return nil, errors.New("redis address option must be a string")
			}
			address = addr
		case PasswordOption:
			pass, ok := opt.Option.(string)
			if !ok {
				return nil, errors.New("redis password option must be a string")
			}
			password = pass
		}
	}
	if address == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredislib.NewClient(&goredislib.Options{
		Addr:     address,
		Password: password,
	})
	return &RedisDB{db: client}, nil
}

func (b *RedisDB) Close() error {
	return b.db.Close()
}

func getRedisKey(namespace, key string) string {
	return namespace + namespaceSeparator + key
}

func (b *RedisDB) Write(ctx context.Context, namespace, key string, value []byte) error {
	return b.db.Set(ctx, getRedisKey(namespace, key), value, 0).Err()
}

func (b *RedisDB) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	v, err := b.db.Get(ctx, getRedisKey(namespace, key)).Bytes()
	if errors.Is(err, goredislib.Nil) {
		return nil, nil
	}
	return v, err
}

func (b *RedisDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	count, err := b.db.Exists(ctx, getRedisKey(namespace, key)).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *RedisDB) ReadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return b.readMatching(ctx, namespace, namespace+namespaceSeparator)
}

func (b *RedisDB) ReadPrefix(ctx context.Context, namespace, prefix string) (map[string][]byte, error) {
	return b.readMatching(ctx, namespace, getRedisKey(namespace, prefix))
}

func (b *RedisDB) readMatching(ctx context.Context, namespace, keyPrefix string) (map[string][]byte, error) {
	var cursor uint64
	result := make(map[string][]byte)
	for {
		keys, next, err := b.db.Scan(ctx, cursor, keyPrefix+"*", redisScanBatchSize).Result()
		if err != nil {
			return nil, errors.Wrap(err, "scanning keys")
		}
		for _, k := range keys {
			v, err := b.db.Get(ctx, k).Bytes()
			if errors.Is(err, goredislib.Nil) {
				continue
			}
			if err != nil {
				return nil, errors.Wrap(err, "reading key during scan")
			}
			result[strings.TrimPrefix(k, namespace+namespaceSeparator)] = v
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

// Update runs validate-then-write as an optimistic WATCH/MULTI transaction so
// a concurrent writer on the same key forces a retry of the whole updater.
func (b *RedisDB) Update(ctx context.Context, namespace, key string, updater Updater) ([]byte, error) {
	redisKey := getRedisKey(namespace, key)
	var updated []byte
	txf := func(tx *goredislib.Tx) error {
		current, err := tx.Get(ctx, redisKey).Bytes()
		if errors.Is(err, goredislib.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err = updater.Validate(current); err != nil {
			return err
		}
		updated, err = updater.Update(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredislib.Pipeliner) error {
			return pipe.Set(ctx, redisKey, updated, 0).Err()
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.db.Watch(ctx, txf, redisKey)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, goredislib.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, errors.New("update reached max retries")
}

func (b *RedisDB) Delete(ctx context.Context, namespace, key string) error {
	return b.db.Del(ctx, getRedisKey(namespace, key)).Err()
}

func (b *RedisDB) DeleteNamespace(ctx context.Context, namespace string) error {
	all, err := b.readMatching(ctx, namespace, namespace+namespaceSeparator)
	if err != nil {
		return err
	}
	for k := range all {
		if err = b.Delete(ctx, namespace, k); err != nil {
			return err
		}
	}
	return nil
}
