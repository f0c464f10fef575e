package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type AssessmentService struct {
	store KV
	now   func() time.Time
	log   *zap.Logger
}

func NewAssessmentService(store KV) *AssessmentService {
	return &AssessmentService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		log:   zap.NewNop(),
	}
}

func (s *AssessmentService) WithLogger(log *zap.Logger) {
	s.log = log
}

// Submit replaces the requester's assessment wholesale. It does not touch an
// in-flight plan request, which keeps the snapshot taken when it was issued.
func (s *AssessmentService) Submit(ctx context.Context, requester string, motor, cognitive, pain Ciphertext) (*EncryptedAssessment, []Event, error) {
	a := &EncryptedAssessment{
		Requester:   requester,
		Motor:       cloneCiphertext(motor),
		Cognitive:   cloneCiphertext(cognitive),
		Pain:        cloneCiphertext(pain),
		SubmittedAt: s.now(),
	}
	err := s.store.Update(ctx, func(tx Tx) error {
		if err := putJSON(tx, KindAssessment, requester, a); err != nil {
			return err
		}
		st, err := loadPlanState(tx, requester)
		if err != nil {
			return err
		}
		if st.Stage != StageNoAssessment {
			return nil
		}
		st.Stage = StageAssessmentSubmitted
		st.UpdatedAt = a.SubmittedAt
		return putJSON(tx, KindPlanState, requester, st)
	})
	if err != nil {
		return nil, nil, storageErr("submit assessment", err)
	}
	s.log.Debug("assessment submitted", zap.String("requester", requester))
	return a, []Event{{Kind: EventAssessmentSubmitted, Requester: requester, At: a.SubmittedAt}}, nil
}

func (s *AssessmentService) Get(ctx context.Context, requester string) (*EncryptedAssessment, error) {
	var a EncryptedAssessment
	var found bool
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		found, err = getJSON(tx, KindAssessment, requester, &a)
		return err
	})
	if err != nil {
		return nil, storageErr("get assessment", err)
	}
	if !found {
		return nil, ErrNoAssessment
	}
	return &a, nil
}
