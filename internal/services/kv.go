package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind partitions the keyspace of the ledger collaborator.
type Kind string

const (
	KindAssessment     Kind = "assessment"
	KindPlan           Kind = "plan"
	KindPlanState      Kind = "plan_state"
	KindRevealedPlan   Kind = "revealed_plan"
	KindPendingPlan    Kind = "pending_plan"
	KindPendingDecrypt Kind = "pending_decrypt"
	KindProgress       Kind = "progress"
	KindProgressCount  Kind = "progress_count"
)

// ErrKeyNotFound is returned by Tx.Get when no record exists for the key.
var ErrKeyNotFound = errors.New("key not found")

// Tx is a single atomic unit of reads and writes against the ledger.
type Tx interface {
	Get(kind Kind, key string) ([]byte, error)
	Put(kind Kind, key string, value []byte) error
	Delete(kind Kind, key string) error
}

// KV is the durable keyed storage the services write to. Update runs fn in a
// serialized write transaction and commits only when fn returns nil; the
// error from fn is returned unchanged.
type KV interface {
	View(ctx context.Context, fn func(tx Tx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
}

func getJSON(tx Tx, kind Kind, key string, dst any) (bool, error) {
	raw, err := tx.Get(kind, key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(fmt.Sprintf("get %s", kind), err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, storageErr(fmt.Sprintf("decode %s", kind), err)
	}
	return true, nil
}

func putJSON(tx Tx, kind Kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return storageErr(fmt.Sprintf("encode %s", kind), err)
	}
	return storageErr(fmt.Sprintf("put %s", kind), tx.Put(kind, key, raw))
}

func loadPlanState(tx Tx, requester string) (*PlanState, error) {
	st := &PlanState{Requester: requester, Stage: StageNoAssessment}
	if _, err := getJSON(tx, KindPlanState, requester, st); err != nil {
		return nil, err
	}
	return st, nil
}
