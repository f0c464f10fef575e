package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

type stubKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	putErr  error
	updates int
}

func newStubKV() *stubKV {
	return &stubKV{data: map[string][]byte{}}
}

type stubTx struct {
	kv      *stubKV
	writes  map[string][]byte
	deletes map[string]bool
}

func stubKey(kind Kind, key string) string { return string(kind) + "\x00" + key }

func (t *stubTx) Get(kind Kind, key string) ([]byte, error) {
	k := stubKey(kind, key)
	if t.deletes[k] {
		return nil, ErrKeyNotFound
	}
	if v, ok := t.writes[k]; ok {
		return append([]byte(nil), v...), nil
	}
	if v, ok := t.kv.data[k]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrKeyNotFound
}

func (t *stubTx) Put(kind Kind, key string, value []byte) error {
	if t.kv.putErr != nil {
		return t.kv.putErr
	}
	k := stubKey(kind, key)
	delete(t.deletes, k)
	t.writes[k] = append([]byte(nil), value...)
	return nil
}

func (t *stubTx) Delete(kind Kind, key string) error {
	k := stubKey(kind, key)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func (s *stubKV) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&stubTx{kv: s, writes: map[string][]byte{}, deletes: map[string]bool{}})
}

func (s *stubKV) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &stubTx{kv: s, writes: map[string][]byte{}, deletes: map[string]bool{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	s.updates++
	return nil
}

func (s *stubKV) raw(kind Kind, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[stubKey(kind, key)]
	return v, ok
}

// stubVerifier accepts a proof equal to "ok:"+requestID.
type stubVerifier struct{}

func (stubVerifier) Verify(requestID string, cleartext, proof []byte) error {
	if string(proof) != "ok:"+requestID {
		return errors.New("bad proof")
	}
	return nil
}

func validProof(requestID string) []byte { return []byte("ok:" + requestID) }

type stubOracle struct {
	mu       sync.Mutex
	requests []OracleRequest
	err      error
}

func (o *stubOracle) Dispatch(ctx context.Context, req OracleRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.requests = append(o.requests, req)
	return nil
}

func (o *stubOracle) last() OracleRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[len(o.requests)-1]
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2025, 9, 18, 0, 0, 0, 0, time.UTC) }
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + strconv.Itoa(n)
	}
}

func ct(s string) Ciphertext { return Ciphertext(s) }
