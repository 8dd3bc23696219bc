package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryDB is an in memory implementation of ServiceStorage that is safe for concurrent use.
type MemoryDB struct {
	// guards Update so validate-then-write is atomic per database
	updateMu sync.Mutex
	maps     sync.Map
}

func NewMemoryDB() *MemoryDB {
	return new(MemoryDB)
}

func (f *MemoryDB) Close() error {
	return nil
}

func (f *MemoryDB) Write(_ context.Context, namespace, key string, value []byte) error {
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	m.(*sync.Map).Store(key, value)
	return nil
}

func (f *MemoryDB) Read(_ context.Context, namespace, key string) ([]byte, error) {
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	v, ok := m.(*sync.Map).Load(key)
	if !ok {
		return nil, nil
	}
	return v.([]byte), nil
}

func (f *MemoryDB) Exists(ctx context.Context, namespace, key string) (bool, error) {
	v, err := f.Read(ctx, namespace, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (f *MemoryDB) ReadAll(_ context.Context, namespace string) (map[string][]byte, error) {
	if namespace == "" {
		return nil, nil
	}
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	r := make(map[string][]byte)
	m.(*sync.Map).Range(func(key, value any) bool {
		r[key.(string)] = value.([]byte)
		return true
	})
	return r, nil
}

func (f *MemoryDB) ReadPrefix(_ context.Context, namespace, prefix string) (map[string][]byte, error) {
	if namespace == "" {
		return nil, nil
	}
	m, _ := f.maps.LoadOrStore(namespace, &sync.Map{})
	r := make(map[string][]byte)
	m.(*sync.Map).Range(func(key, value any) bool {
		if strings.HasPrefix(key.(string), prefix) {
			r[key.(string)] = value.([]byte)
		}
		return true
	})
	return r, nil
}

func (f *MemoryDB) Update(ctx context.Context, namespace, key string, updater Updater) ([]byte, error) {
	f.updateMu.Lock()
	defer f.updateMu.Unlock()

	v, err := f.Read(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}
	if err = updater.Validate(v); err != nil {
		return nil, err
	}
	updatedV, err := updater.Update(v)
	if err != nil {
		return nil, err
	}
	if err = f.Write(ctx, namespace, key, updatedV); err != nil {
		return nil, err
	}
	return updatedV, nil
}

func (f *MemoryDB) Delete(_ context.Context, namespace, key string) error {
	m, ok := f.maps.Load(namespace)
	if !ok {
		return nil
	}
	m.(*sync.Map).Delete(key)
	return nil
}

func (f *MemoryDB) DeleteNamespace(_ context.Context, namespace string) error {
	f.maps.Delete(namespace)
	return nil
}
