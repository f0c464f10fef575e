package db

import (
	"context"
	"errors"
	"sync"

	"github.com/soaringjerry/Renova/internal/services"
)

var errReadOnly = errors.New("write in read-only transaction")

// MemoryStore is a process-local KV. Update holds the write lock for the
// whole transaction and applies staged writes only when fn succeeds.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[memKey][]byte
}

type memKey struct {
	kind services.Kind
	key  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[memKey][]byte{}}
}

type memTx struct {
	store    *MemoryStore
	readOnly bool
	writes   map[memKey][]byte
	deletes  map[memKey]bool
}

func (t *memTx) Get(kind services.Kind, key string) ([]byte, error) {
	k := memKey{kind, key}
	if t.deletes[k] {
		return nil, services.ErrKeyNotFound
	}
	if v, ok := t.writes[k]; ok {
		return append([]byte(nil), v...), nil
	}
	if v, ok := t.store.data[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, services.ErrKeyNotFound
}

func (t *memTx) Put(kind services.Kind, key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := memKey{kind, key}
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *memTx) Delete(kind services.Kind, key string) error {
	if t.readOnly {
		return errReadOnly
	}
	k := memKey{kind, key}
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx services.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s, readOnly: true})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx services.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, writes: map[memKey][]byte{}, deletes: map[memKey]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ services.KV = (*MemoryStore)(nil)
