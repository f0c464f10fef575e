package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type ProgressService struct {
	store KV
	now   func() time.Time
	log   *zap.Logger
}

func NewProgressService(store KV) *ProgressService {
	return &ProgressService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.NewNop(),
	}
}

func (s *ProgressService) WithLogger(log *zap.Logger) {
	s.log = log
}

func progressKey(requester string, index int) string {
	return fmt.Sprintf("%s/%020d", requester, index)
}

func readCount(tx Tx, requester string) (int, error) {
	raw, err := tx.Get(KindProgressCount, requester)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr("get progress count", err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, storageErr("decode progress count", err)
	}
	return n, nil
}

// Append adds an immutable record to the requester's history. Only allowed
// once a training plan has been generated.
func (s *ProgressService) Append(ctx context.Context, requester string, motorImprovement, cognitiveGain Ciphertext) (*ProgressRecord, []Event, error) {
	now := s.now()
	var rec *ProgressRecord
	err := s.store.Update(ctx, func(tx Tx) error {
		var plan TrainingPlan
		found, err := getJSON(tx, KindPlan, requester, &plan)
		if err != nil {
			return err
		}
		if !found || !plan.IsGenerated {
			return ErrNoTrainingPlan
		}
		n, err := readCount(tx, requester)
		if err != nil {
			return err
		}
		rec = &ProgressRecord{
			Requester:        requester,
			Index:            n,
			MotorImprovement: cloneCiphertext(motorImprovement),
			CognitiveGain:    cloneCiphertext(cognitiveGain),
			RecordedAt:       now,
		}
		if err := putJSON(tx, KindProgress, progressKey(requester, n), rec); err != nil {
			return err
		}
		return storageErr("put progress count", tx.Put(KindProgressCount, requester, []byte(strconv.Itoa(n+1))))
	})
	if err != nil {
		return nil, nil, storageErr("append progress", err)
	}
	s.log.Debug("progress recorded", zap.String("requester", requester), zap.Int("index", rec.Index))
	return rec, []Event{{Kind: EventProgressRecorded, Requester: requester, At: now}}, nil
}

// Count returns the history length; an unknown requester has zero records.
func (s *ProgressService) Count(ctx context.Context, requester string) (int, error) {
	var n int
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		n, err = readCount(tx, requester)
		return err
	})
	if err != nil {
		return 0, storageErr("count progress", err)
	}
	return n, nil
}

func (s *ProgressService) List(ctx context.Context, requester string) ([]*ProgressRecord, error) {
	var out []*ProgressRecord
	err := s.store.View(ctx, func(tx Tx) error {
		n, err := readCount(tx, requester)
		if err != nil {
			return err
		}
		out = make([]*ProgressRecord, 0, n)
		for i := 0; i < n; i++ {
			var rec ProgressRecord
			found, err := getJSON(tx, KindProgress, progressKey(requester, i), &rec)
			if err != nil {
				return err
			}
			if !found {
				return storageErr("list progress", fmt.Errorf("record %d missing", i))
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list progress", err)
	}
	return out, nil
}
