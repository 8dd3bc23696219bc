package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestDatabases(t *testing.T) map[string]ServiceStorage {
	t.Helper()

	boltPath := filepath.Join(t.TempDir(), "test.db")
	boltDB, err := NewBoltDB(Option{ID: BoltFilePathOption, Option: boltPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltDB.Close() })

	server := miniredis.RunT(t)
	redisDB, err := NewRedisDB(Option{ID: RedisAddressOption, Option: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = redisDB.Close() })

	return map[string]ServiceStorage{
		"memory": NewMemoryDB(),
		"bolt":   boltDB,
		"redis":  redisDB,
	}
}

func TestDB_WriteReadDelete(t *testing.T) {
	for name, db := range getTestDatabases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			namespace := "testing"

			err := db.Write(ctx, namespace, "key1", []byte("value1"))
			assert.NoError(t, err)

			got, err := db.Read(ctx, namespace, "key1")
			assert.NoError(t, err)
			assert.Equal(t, []byte("value1"), got)

			exists, err := db.Exists(ctx, namespace, "key1")
			assert.NoError(t, err)
			assert.True(t, exists)

			// missing key reads as nil without error
			got, err = db.Read(ctx, namespace, "nope")
			assert.NoError(t, err)
			assert.Nil(t, got)

			err = db.Delete(ctx, namespace, "key1")
			assert.NoError(t, err)

			exists, err = db.Exists(ctx, namespace, "key1")
			assert.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestDB_ReadPrefixAndAll(t *testing.T) {
	for name, db := range getTestDatabases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			namespace := "prefix-testing"

			require.NoError(t, db.Write(ctx, namespace, "org1-a", []byte("1")))
			require.NoError(t, db.Write(ctx, namespace, "org1-b", []byte("2")))
			require.NoError(t, db.Write(ctx, namespace, "org2-a", []byte("3")))

			matched, err := db.ReadPrefix(ctx, namespace, "org1-")
			assert.NoError(t, err)
			assert.Len(t, matched, 2)
			assert.Contains(t, matched, "org1-a")
			assert.Contains(t, matched, "org1-b")

			all, err := db.ReadAll(ctx, namespace)
			assert.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestDB_Update(t *testing.T) {
	for name, db := range getTestDatabases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			namespace := "update-testing"

			require.NoError(t, db.Write(ctx, namespace, "doc", []byte(`{"status":"draft","n":1}`)))

			updated, err := db.Update(ctx, namespace, "doc", NewUpdater(map[string]any{"status": "signed"}))
			assert.NoError(t, err)
			assert.Contains(t, string(updated), `"signed"`)

			// missing keys surface ErrNotFound
			_, err = db.Update(ctx, namespace, "missing", NewUpdater(map[string]any{"status": "x"}))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDB_GuardedUpdate(t *testing.T) {
	guardErr := errors.New("not in expected state")
	guard := func(expected string) func(current []byte) error {
		return func(current []byte) error {
			var doc map[string]any
			if err := json.Unmarshal(current, &doc); err != nil {
				return err
			}
			if doc["status"] != expected {
				return guardErr
			}
			return nil
		}
	}

	for name, db := range getTestDatabases(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			namespace := "guard-testing"

			require.NoError(t, db.Write(ctx, namespace, "doc", []byte(`{"status":"draft"}`)))

			// first claim succeeds
			_, err := db.Update(ctx, namespace, "doc", GuardedUpdater{
				Updater: NewUpdater(map[string]any{"status": "signed"}),
				Guard:   guard("draft"),
			})
			assert.NoError(t, err)

			// a duplicate claim against the same expected state must fail
			_, err = db.Update(ctx, namespace, "doc", GuardedUpdater{
				Updater: NewUpdater(map[string]any{"status": "signed"}),
				Guard:   guard("draft"),
			})
			assert.ErrorIs(t, err, guardErr)
		})
	}
}
