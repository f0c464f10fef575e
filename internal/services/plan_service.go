package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ProofVerifier checks that a callback cleartext was attested for requestID.
// Any non-nil error means the cleartext must not be trusted.
type ProofVerifier interface {
	Verify(requestID string, cleartext, proof []byte) error
}

// OracleRequest is handed to the oracle collaborator after a request commits.
type OracleRequest struct {
	RequestID string
	Kind      RequestKind
	Handles   []Ciphertext
}

type Oracle interface {
	Dispatch(ctx context.Context, req OracleRequest) error
}

// PlanService drives plan generation and decryption. Requests commit before
// they are dispatched; callbacks are correlated, verified and applied in one
// transaction.
type PlanService struct {
	store    KV
	verifier ProofVerifier
	oracle   Oracle
	plans    *Correlator
	decrypts *Correlator
	now      func() time.Time
	log      *zap.Logger
}

func NewPlanService(store KV, verifier ProofVerifier, oracle Oracle) *PlanService {
	return &PlanService{
		store:    store,
		verifier: verifier,
		oracle:   oracle,
		plans:    NewCorrelator(KindPendingPlan),
		decrypts: NewCorrelator(KindPendingDecrypt),
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
}

func (s *PlanService) WithLogger(log *zap.Logger) {
	s.log = log
}

// RequestTrainingPlan issues a plan-generation request over the requester's
// current assessment.
func (s *PlanService) RequestTrainingPlan(ctx context.Context, requester string) (*IssuedRequest, []Event, error) {
	now := s.now()
	var issued *IssuedRequest
	err := s.store.Update(ctx, func(tx Tx) error {
		var a EncryptedAssessment
		found, err := getJSON(tx, KindAssessment, requester, &a)
		if err != nil {
			return err
		}
		if !found {
			return ErrNoAssessment
		}
		st, err := loadPlanState(tx, requester)
		if err != nil {
			return err
		}
		if st.Stage.pending() {
			return ErrRequestPending
		}
		id, err := s.plans.Issue(tx, requester)
		if err != nil {
			return err
		}
		handles := []Ciphertext{cloneCiphertext(a.Motor), cloneCiphertext(a.Cognitive), cloneCiphertext(a.Pain)}
		settled := st.Stage
		if settled == StageNoAssessment {
			settled = StageAssessmentSubmitted
		}
		st.Settled = settled
		st.Stage = StagePlanRequested
		st.PendingRequestID = id
		st.PendingKind = KindPlanGeneration
		st.PendingHandles = handles
		st.AssessmentAt = a.SubmittedAt
		st.UpdatedAt = now
		if err := putJSON(tx, KindPlanState, requester, st); err != nil {
			return err
		}
		issued = &IssuedRequest{RequestID: id, Kind: KindPlanGeneration, Handles: handles}
		return nil
	})
	if err != nil {
		return nil, nil, storageErr("request training plan", err)
	}
	s.log.Debug("plan generation requested", zap.String("requester", requester), zap.String("request_id", issued.RequestID))
	events := []Event{{Kind: EventPlanRequested, Requester: requester, RequestID: issued.RequestID, At: now}}
	return issued, events, s.dispatch(ctx, issued)
}

// HandleTrainingPlanCallback applies a plan-generation result. A rejected
// callback still consumes requestID and returns the requester to the stage
// it was in before the request.
func (s *PlanService) HandleTrainingPlanCallback(ctx context.Context, requestID string, cleartext, proof []byte) (*TrainingPlan, []Event, error) {
	now := s.now()
	var plan *TrainingPlan
	var requester string
	var rejected error
	err := s.store.Update(ctx, func(tx Tx) error {
		plan, requester, rejected = nil, "", nil
		st, err := s.resolve(tx, s.plans, KindPlanGeneration, requestID)
		if err != nil {
			if err == ErrUnknownOrResolvedRequest && st != nil {
				requester, rejected = st.Requester, err
				return nil
			}
			return err
		}
		requester = st.Requester
		if err := s.verify(requestID, cleartext, proof); err != nil {
			rejected = err
			return s.rollBack(tx, st, now)
		}
		exercise, cognitive, err := decodePlanHandles(cleartext)
		if err != nil {
			rejected = err
			return s.rollBack(tx, st, now)
		}
		plan = &TrainingPlan{
			Requester:       st.Requester,
			Exercise:        exercise,
			Cognitive:       cognitive,
			SourceRequestID: requestID,
			AssessmentAt:    st.AssessmentAt,
			IsGenerated:     true,
			GeneratedAt:     now,
		}
		if err := putJSON(tx, KindPlan, st.Requester, plan); err != nil {
			return err
		}
		return s.settle(tx, st, StagePlanGenerated, now)
	})
	if err != nil {
		return nil, nil, storageErr("training plan callback", err)
	}
	if rejected != nil {
		return nil, s.rejection(requester, requestID, now, rejected), rejected
	}
	s.log.Debug("training plan generated", zap.String("requester", requester), zap.String("request_id", requestID))
	return plan, []Event{{Kind: EventPlanGenerated, Requester: requester, RequestID: requestID, At: now}}, nil
}

// RequestPlanDecryption asks the oracle to reveal the generated plan. The
// handles are sent exercise first, then cognitive.
func (s *PlanService) RequestPlanDecryption(ctx context.Context, requester string) (*IssuedRequest, []Event, error) {
	now := s.now()
	var issued *IssuedRequest
	err := s.store.Update(ctx, func(tx Tx) error {
		var plan TrainingPlan
		found, err := getJSON(tx, KindPlan, requester, &plan)
		if err != nil {
			return err
		}
		if !found || !plan.IsGenerated {
			return ErrNoTrainingPlan
		}
		st, err := loadPlanState(tx, requester)
		if err != nil {
			return err
		}
		if st.Stage.pending() {
			return ErrRequestPending
		}
		id, err := s.decrypts.Issue(tx, requester)
		if err != nil {
			return err
		}
		handles := make([]Ciphertext, 0, len(plan.Exercise)+len(plan.Cognitive))
		for _, h := range plan.Exercise {
			handles = append(handles, cloneCiphertext(h))
		}
		for _, h := range plan.Cognitive {
			handles = append(handles, cloneCiphertext(h))
		}
		st.Settled = st.Stage
		st.Stage = StagePlanDecryptionRequested
		st.PendingRequestID = id
		st.PendingKind = KindPlanDecryption
		st.PendingHandles = handles
		st.UpdatedAt = now
		if err := putJSON(tx, KindPlanState, requester, st); err != nil {
			return err
		}
		issued = &IssuedRequest{RequestID: id, Kind: KindPlanDecryption, Handles: handles}
		return nil
	})
	if err != nil {
		return nil, nil, storageErr("request plan decryption", err)
	}
	s.log.Debug("plan decryption requested", zap.String("requester", requester), zap.String("request_id", issued.RequestID))
	events := []Event{{Kind: EventPlanDecryptionRequested, Requester: requester, RequestID: issued.RequestID, At: now}}
	return issued, events, s.dispatch(ctx, issued)
}

// HandlePlanDecryptionCallback stores the revealed plan values.
func (s *PlanService) HandlePlanDecryptionCallback(ctx context.Context, requestID string, cleartext, proof []byte) (*RevealedPlan, []Event, error) {
	now := s.now()
	var revealed *RevealedPlan
	var requester string
	var rejected error
	err := s.store.Update(ctx, func(tx Tx) error {
		revealed, requester, rejected = nil, "", nil
		st, err := s.resolve(tx, s.decrypts, KindPlanDecryption, requestID)
		if err != nil {
			if err == ErrUnknownOrResolvedRequest && st != nil {
				requester, rejected = st.Requester, err
				return nil
			}
			return err
		}
		requester = st.Requester
		if err := s.verify(requestID, cleartext, proof); err != nil {
			rejected = err
			return s.rollBack(tx, st, now)
		}
		exercise, cognitive, err := decodePlanValues(cleartext)
		if err != nil {
			rejected = err
			return s.rollBack(tx, st, now)
		}
		revealed = &RevealedPlan{
			Requester:  st.Requester,
			RequestID:  requestID,
			Exercise:   exercise,
			Cognitive:  cognitive,
			RevealedAt: now,
		}
		if err := putJSON(tx, KindRevealedPlan, st.Requester, revealed); err != nil {
			return err
		}
		return s.settle(tx, st, StagePlanRevealed, now)
	})
	if err != nil {
		return nil, nil, storageErr("plan decryption callback", err)
	}
	if rejected != nil {
		return nil, s.rejection(requester, requestID, now, rejected), rejected
	}
	s.log.Debug("training plan revealed", zap.String("requester", requester), zap.String("request_id", requestID))
	return revealed, []Event{{Kind: EventPlanRevealed, Requester: requester, RequestID: requestID, At: now}}, nil
}

// Redispatch re-sends the requester's outstanding request under the same id.
// It never issues a new id.
func (s *PlanService) Redispatch(ctx context.Context, requester string) (*IssuedRequest, []Event, error) {
	st, err := s.State(ctx, requester)
	if err != nil {
		return nil, nil, err
	}
	if !st.Stage.pending() || st.PendingRequestID == "" {
		return nil, nil, ErrNoPendingRequest
	}
	issued := &IssuedRequest{RequestID: st.PendingRequestID, Kind: st.PendingKind, Handles: st.PendingHandles}
	if err := s.dispatch(ctx, issued); err != nil {
		return nil, nil, err
	}
	return issued, []Event{{Kind: EventRequestRedispatched, Requester: requester, RequestID: issued.RequestID, At: s.now()}}, nil
}

func (s *PlanService) State(ctx context.Context, requester string) (*PlanState, error) {
	var st *PlanState
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		st, err = loadPlanState(tx, requester)
		return err
	})
	if err != nil {
		return nil, storageErr("get plan state", err)
	}
	return st, nil
}

func (s *PlanService) Plan(ctx context.Context, requester string) (*TrainingPlan, error) {
	var plan TrainingPlan
	var found bool
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		found, err = getJSON(tx, KindPlan, requester, &plan)
		return err
	})
	if err != nil {
		return nil, storageErr("get training plan", err)
	}
	if !found || !plan.IsGenerated {
		return nil, ErrNoTrainingPlan
	}
	return &plan, nil
}

func (s *PlanService) RevealedPlan(ctx context.Context, requester string) (*RevealedPlan, error) {
	var rp RevealedPlan
	var found bool
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		found, err = getJSON(tx, KindRevealedPlan, requester, &rp)
		return err
	})
	if err != nil {
		return nil, storageErr("get revealed plan", err)
	}
	if !found {
		return nil, ErrNoRevealedPlan
	}
	return &rp, nil
}

// resolve consumes requestID and loads the issuer's state. When the state no
// longer points at requestID the id is still consumed but the callback is
// reported as unknown; the returned state is non-nil in that case.
func (s *PlanService) resolve(tx Tx, c *Correlator, kind RequestKind, requestID string) (*PlanState, error) {
	pr, err := c.Resolve(tx, requestID)
	if err != nil {
		return nil, err
	}
	st, err := loadPlanState(tx, pr.Requester)
	if err != nil {
		return nil, err
	}
	if st.PendingRequestID != requestID || st.PendingKind != kind {
		return st, ErrUnknownOrResolvedRequest
	}
	return st, nil
}

func (s *PlanService) verify(requestID string, cleartext, proof []byte) error {
	if s.verifier == nil {
		return ErrInvalidProof
	}
	if err := s.verifier.Verify(requestID, cleartext, proof); err != nil {
		s.log.Warn("proof rejected", zap.String("request_id", requestID), zap.Error(err))
		return ErrInvalidProof
	}
	return nil
}

func (s *PlanService) settle(tx Tx, st *PlanState, stage Stage, now time.Time) error {
	st.Stage = stage
	st.Settled = ""
	st.PendingRequestID = ""
	st.PendingKind = ""
	st.PendingHandles = nil
	st.UpdatedAt = now
	return putJSON(tx, KindPlanState, st.Requester, st)
}

func (s *PlanService) rollBack(tx Tx, st *PlanState, now time.Time) error {
	back := st.Settled
	if back == "" || back.pending() {
		back = StageAssessmentSubmitted
	}
	return s.settle(tx, st, back, now)
}

func (s *PlanService) rejection(requester, requestID string, now time.Time, cause error) []Event {
	s.log.Warn("oracle callback rejected", zap.String("requester", requester), zap.String("request_id", requestID), zap.Error(cause))
	if requester == "" {
		return nil
	}
	return []Event{{Kind: EventCallbackRejected, Requester: requester, RequestID: requestID, At: now}}
}

func (s *PlanService) dispatch(ctx context.Context, issued *IssuedRequest) error {
	if s.oracle == nil {
		return fmt.Errorf("%w: no oracle configured", ErrOracleUnavailable)
	}
	req := OracleRequest{RequestID: issued.RequestID, Kind: issued.Kind, Handles: issued.Handles}
	if err := s.oracle.Dispatch(ctx, req); err != nil {
		s.log.Error("oracle dispatch failed", zap.String("request_id", issued.RequestID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return nil
}
