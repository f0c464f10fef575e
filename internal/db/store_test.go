package db

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/soaringjerry/Renova/internal/services"
)

// exerciseKV runs the transactional contract every driver must honour.
func exerciseKV(t *testing.T, kv services.KV) {
	t.Helper()
	ctx := context.Background()

	if err := kv.Update(ctx, func(tx services.Tx) error {
		if err := tx.Put(services.KindAssessment, "alice", []byte(`{"v":1}`)); err != nil {
			return err
		}
		return tx.Put(services.KindPlan, "alice", []byte(`{"p":1}`))
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	err := kv.View(ctx, func(tx services.Tx) error {
		v, err := tx.Get(services.KindAssessment, "alice")
		if err != nil {
			return err
		}
		if string(v) != `{"v":1}` {
			t.Fatalf("unexpected value %q", v)
		}
		if _, err := tx.Get(services.KindAssessment, "bob"); !errors.Is(err, services.ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// kinds are separate namespaces
	if err := kv.View(ctx, func(tx services.Tx) error {
		v, err := tx.Get(services.KindPlan, "alice")
		if err != nil {
			return err
		}
		if string(v) != `{"p":1}` {
			t.Fatalf("unexpected plan value %q", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("view plan: %v", err)
	}

	boom := errors.New("boom")
	err = kv.Update(ctx, func(tx services.Tx) error {
		if err := tx.Put(services.KindAssessment, "alice", []byte(`{"v":2}`)); err != nil {
			return err
		}
		if err := tx.Delete(services.KindPlan, "alice"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := kv.View(ctx, func(tx services.Tx) error {
		v, err := tx.Get(services.KindAssessment, "alice")
		if err != nil {
			return err
		}
		if string(v) != `{"v":1}` {
			t.Fatalf("rolled back write leaked: %q", v)
		}
		if _, err := tx.Get(services.KindPlan, "alice"); err != nil {
			t.Fatalf("rolled back delete leaked: %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("view after rollback: %v", err)
	}

	// writes are visible to later reads in the same transaction
	if err := kv.Update(ctx, func(tx services.Tx) error {
		if err := tx.Delete(services.KindPlan, "alice"); err != nil {
			return err
		}
		if _, err := tx.Get(services.KindPlan, "alice"); !errors.Is(err, services.ErrKeyNotFound) {
			t.Fatalf("expected deleted key to be gone, got %v", err)
		}
		if err := tx.Put(services.KindPlan, "alice", []byte(`{"p":2}`)); err != nil {
			return err
		}
		v, err := tx.Get(services.KindPlan, "alice")
		if err != nil {
			return err
		}
		if string(v) != `{"p":2}` {
			t.Fatalf("expected staged value, got %q", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("update read-your-writes: %v", err)
	}
}

// exerciseCounter checks that concurrent read-modify-write transactions do
// not lose updates.
func exerciseCounter(t *testing.T, kv services.KV, workers int) {
	t.Helper()
	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- kv.Update(ctx, func(tx services.Tx) error {
				n := 0
				v, err := tx.Get(services.KindProgressCount, "counter")
				switch {
				case errors.Is(err, services.ErrKeyNotFound):
				case err != nil:
					return err
				default:
					n = len(v)
				}
				return tx.Put(services.KindProgressCount, "counter", make([]byte, n+1))
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}
	if err := kv.View(ctx, func(tx services.Tx) error {
		v, err := tx.Get(services.KindProgressCount, "counter")
		if err != nil {
			return err
		}
		if len(v) != workers {
			t.Fatalf("expected counter %d, got %d", workers, len(v))
		}
		return nil
	}); err != nil {
		t.Fatalf("view counter: %v", err)
	}
}
