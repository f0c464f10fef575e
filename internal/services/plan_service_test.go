package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type planFixture struct {
	kv          *stubKV
	oracle      *stubOracle
	assessments *AssessmentService
	plans       *PlanService
	progress    *ProgressService
}

func newPlanFixture() *planFixture {
	kv := newStubKV()
	oracle := &stubOracle{}
	f := &planFixture{
		kv:          kv,
		oracle:      oracle,
		assessments: NewAssessmentService(kv),
		plans:       NewPlanService(kv, stubVerifier{}, oracle),
		progress:    NewProgressService(kv),
	}
	f.plans.plans.idGen = sequentialIDs("R")
	f.plans.decrypts.idGen = sequentialIDs("D")
	return f
}

func planCleartext() []byte {
	return EncodeWords(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14)
}

func (f *planFixture) generate(t *testing.T, requester string) string {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.assessments.Submit(ctx, requester, ct("m"), ct("c"), ct("p")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	issued, _, err := f.plans.RequestTrainingPlan(ctx, requester)
	if err != nil {
		t.Fatalf("RequestTrainingPlan error: %v", err)
	}
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID)); err != nil {
		t.Fatalf("callback error: %v", err)
	}
	return issued.RequestID
}

func TestEndToEndPlanAndProgress(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()

	if _, _, err := f.assessments.Submit(ctx, "alice", ct("ct_m"), ct("ct_c"), ct("ct_p")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	issued, events, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestTrainingPlan error: %v", err)
	}
	if issued.RequestID != "R1" || len(events) != 1 || events[0].Kind != EventPlanRequested {
		t.Fatalf("unexpected issue result: %+v %+v", issued, events)
	}
	plan, events, err := f.plans.HandleTrainingPlanCallback(ctx, "R1", planCleartext(), validProof("R1"))
	if err != nil {
		t.Fatalf("callback error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventPlanGenerated || events[0].Requester != "alice" {
		t.Fatalf("unexpected events: %+v", events)
	}
	stored, err := f.plans.Plan(ctx, "alice")
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	for _, p := range []*TrainingPlan{plan, stored} {
		if !p.IsGenerated || p.SourceRequestID != "R1" {
			t.Fatalf("unexpected plan metadata: %+v", p)
		}
		for i := 0; i < PlanDays; i++ {
			if !p.Exercise[i].Equal(CiphertextFromUint64(uint64(i+1))) || !p.Cognitive[i].Equal(CiphertextFromUint64(uint64(i+8))) {
				t.Fatalf("plan day %d mismatch: %s %s", i, p.Exercise[i], p.Cognitive[i])
			}
		}
	}
	if _, _, err := f.progress.Append(ctx, "alice", ct("ct_mi"), ct("ct_cg")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if n, _ := f.progress.Count(ctx, "alice"); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
}

func TestRequestTrainingPlanRequiresAssessment(t *testing.T) {
	f := newPlanFixture()
	_, events, err := f.plans.RequestTrainingPlan(context.Background(), "alice")
	if !errors.Is(err, ErrNoAssessment) {
		t.Fatalf("expected ErrNoAssessment, got %v", err)
	}
	if events != nil || len(f.oracle.requests) != 0 {
		t.Fatalf("nothing should be emitted or dispatched")
	}
}

func TestRequestTrainingPlanDispatchesAssessmentHandles(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	issued, _, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestTrainingPlan error: %v", err)
	}
	req := f.oracle.last()
	if req.RequestID != issued.RequestID || req.Kind != KindPlanGeneration || len(req.Handles) != 3 {
		t.Fatalf("unexpected oracle request: %+v", req)
	}
	if !req.Handles[0].Equal(ct("m")) || !req.Handles[1].Equal(ct("c")) || !req.Handles[2].Equal(ct("p")) {
		t.Fatalf("handles out of order: %v", req.Handles)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanRequested || st.PendingRequestID != issued.RequestID {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestRequestWhilePendingIsRejected(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	first, _, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestTrainingPlan error: %v", err)
	}
	if _, _, err := f.plans.RequestTrainingPlan(ctx, "alice"); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending, got %v", err)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.PendingRequestID != first.RequestID {
		t.Fatalf("pending correlation was overwritten: %+v", st)
	}
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, first.RequestID, planCleartext(), validProof(first.RequestID)); err != nil {
		t.Fatalf("original request should still resolve: %v", err)
	}
}

func TestTrainingPlanCallbackUnknownAndReplay(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, "nope", planCleartext(), validProof("nope")); !errors.Is(err, ErrUnknownOrResolvedRequest) {
		t.Fatalf("expected ErrUnknownOrResolvedRequest, got %v", err)
	}
	id := f.generate(t, "alice")
	_, events, err := f.plans.HandleTrainingPlanCallback(ctx, id, planCleartext(), validProof(id))
	if !errors.Is(err, ErrUnknownOrResolvedRequest) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
	if events != nil {
		t.Fatalf("replay must not emit events: %+v", events)
	}
}

func TestTrainingPlanCallbackInvalidProofConsumesRequest(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	issued, _, _ := f.plans.RequestTrainingPlan(ctx, "alice")

	_, events, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), []byte("forged"))
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventCallbackRejected || events[0].Requester != "alice" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if _, err := f.plans.Plan(ctx, "alice"); !errors.Is(err, ErrNoTrainingPlan) {
		t.Fatalf("plan must not be stored, got %v", err)
	}
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID)); !errors.Is(err, ErrUnknownOrResolvedRequest) {
		t.Fatalf("consumed id must not be retried, got %v", err)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StageAssessmentSubmitted || st.PendingRequestID != "" {
		t.Fatalf("expected fallback to assessment_submitted, got %+v", st)
	}
	again, _, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if err != nil {
		t.Fatalf("fresh request should be allowed: %v", err)
	}
	if again.RequestID == issued.RequestID {
		t.Fatalf("expected a fresh id")
	}
}

func TestTrainingPlanCallbackShortPayloadKeepsExistingPlan(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	f.generate(t, "alice")
	before, _ := f.kv.raw(KindPlan, "alice")

	issued, _, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if err != nil {
		t.Fatalf("new cycle should be allowed: %v", err)
	}
	short := EncodeWords(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13)
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, short, validProof(issued.RequestID)); !errors.Is(err, ErrMalformedPlanPayload) {
		t.Fatalf("expected ErrMalformedPlanPayload, got %v", err)
	}
	after, _ := f.kv.raw(KindPlan, "alice")
	if !bytes.Equal(before, after) {
		t.Fatalf("stored plan changed after malformed callback")
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanGenerated {
		t.Fatalf("expected fallback to plan_generated, got %s", st.Stage)
	}
}

func TestTrainingPlanCallbackShortPayloadFirstCycle(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	issued, _, _ := f.plans.RequestTrainingPlan(ctx, "alice")
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, []byte{1}, validProof(issued.RequestID)); !errors.Is(err, ErrMalformedPlanPayload) {
		t.Fatalf("expected ErrMalformedPlanPayload, got %v", err)
	}
	if _, ok := f.kv.raw(KindPlan, "alice"); ok {
		t.Fatalf("no plan must be written")
	}
}

func TestRequestPlanDecryptionRequiresPlan(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	if _, _, err := f.plans.RequestPlanDecryption(ctx, "alice"); !errors.Is(err, ErrNoTrainingPlan) {
		t.Fatalf("expected ErrNoTrainingPlan, got %v", err)
	}
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	_, _, _ = f.plans.RequestTrainingPlan(ctx, "alice")
	if _, _, err := f.plans.RequestPlanDecryption(ctx, "alice"); !errors.Is(err, ErrNoTrainingPlan) {
		t.Fatalf("expected ErrNoTrainingPlan while generation pending, got %v", err)
	}
}

func TestRequestPlanDecryptionFlattensPlan(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	planID := f.generate(t, "alice")

	issued, events, err := f.plans.RequestPlanDecryption(ctx, "alice")
	if err != nil {
		t.Fatalf("RequestPlanDecryption error: %v", err)
	}
	if issued.RequestID == planID || issued.RequestID == "" {
		t.Fatalf("expected a fresh id, got %q", issued.RequestID)
	}
	if len(events) != 1 || events[0].Kind != EventPlanDecryptionRequested {
		t.Fatalf("unexpected events: %+v", events)
	}
	req := f.oracle.last()
	if req.Kind != KindPlanDecryption || len(req.Handles) != PlanWords {
		t.Fatalf("unexpected oracle request: %+v", req)
	}
	for i, h := range req.Handles {
		if !h.Equal(CiphertextFromUint64(uint64(i + 1))) {
			t.Fatalf("handle %d out of order: %s", i, h)
		}
	}
	if _, _, err := f.plans.RequestPlanDecryption(ctx, "alice"); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending, got %v", err)
	}
}

func TestPlanDecryptionCallbackReveals(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	f.generate(t, "alice")
	issued, _, _ := f.plans.RequestPlanDecryption(ctx, "alice")

	values := EncodeWords(30, 35, 40, 45, 50, 55, 60, 2, 2, 3, 3, 4, 4, 5)
	revealed, events, err := f.plans.HandlePlanDecryptionCallback(ctx, issued.RequestID, values, validProof(issued.RequestID))
	if err != nil {
		t.Fatalf("decryption callback error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventPlanRevealed {
		t.Fatalf("unexpected events: %+v", events)
	}
	if revealed.Exercise[0] != 30 || revealed.Exercise[6] != 60 || revealed.Cognitive[0] != 2 || revealed.Cognitive[6] != 5 {
		t.Fatalf("unexpected revealed plan: %+v", revealed)
	}
	stored, err := f.plans.RevealedPlan(ctx, "alice")
	if err != nil || stored.RequestID != issued.RequestID {
		t.Fatalf("revealed plan not stored: %+v %v", stored, err)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanRevealed {
		t.Fatalf("expected plan_revealed, got %s", st.Stage)
	}
}

func TestPlanDecryptionCallbackInvalidProof(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	f.generate(t, "alice")
	issued, _, _ := f.plans.RequestPlanDecryption(ctx, "alice")
	if _, _, err := f.plans.HandlePlanDecryptionCallback(ctx, issued.RequestID, planCleartext(), nil); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
	if _, err := f.plans.RevealedPlan(ctx, "alice"); !errors.Is(err, ErrNoRevealedPlan) {
		t.Fatalf("expected ErrNoRevealedPlan, got %v", err)
	}
	if _, err := f.plans.Plan(ctx, "alice"); err != nil {
		t.Fatalf("generated plan must survive a failed decryption: %v", err)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanGenerated {
		t.Fatalf("expected plan_generated, got %s", st.Stage)
	}
}

func TestCallbackStageIsolation(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	f.generate(t, "alice")
	issued, _, _ := f.plans.RequestPlanDecryption(ctx, "alice")
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID)); !errors.Is(err, ErrUnknownOrResolvedRequest) {
		t.Fatalf("decryption id must not resolve through the plan callback, got %v", err)
	}
	if _, _, err := f.plans.HandlePlanDecryptionCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID)); err != nil {
		t.Fatalf("decryption id should still resolve on its own callback: %v", err)
	}
}

func TestInFlightRequestUsesSnapshot(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	tick := time.Date(2025, 9, 18, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	}
	f.assessments.now = clock
	f.plans.now = clock

	first, _, _ := f.assessments.Submit(ctx, "alice", ct("m1"), ct("c1"), ct("p1"))
	issued, _, _ := f.plans.RequestTrainingPlan(ctx, "alice")
	if _, _, err := f.assessments.Submit(ctx, "alice", ct("m2"), ct("c2"), ct("p2")); err != nil {
		t.Fatalf("resubmit error: %v", err)
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanRequested {
		t.Fatalf("resubmission must not reset the machine, got %s", st.Stage)
	}
	if !f.oracle.last().Handles[0].Equal(ct("m1")) {
		t.Fatalf("oracle should have received the issuance snapshot")
	}
	plan, _, err := f.plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID))
	if err != nil {
		t.Fatalf("callback error: %v", err)
	}
	if !plan.AssessmentAt.Equal(first.SubmittedAt) {
		t.Fatalf("plan should reference the snapshot at issuance: %v vs %v", plan.AssessmentAt, first.SubmittedAt)
	}
}

func TestOracleFailureKeepsRequestPendingAndRedispatch(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))

	if _, _, err := f.plans.Redispatch(ctx, "alice"); !errors.Is(err, ErrNoPendingRequest) {
		t.Fatalf("expected ErrNoPendingRequest, got %v", err)
	}
	f.oracle.err = errors.New("connection refused")
	issued, events, err := f.plans.RequestTrainingPlan(ctx, "alice")
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	if issued == nil || len(events) != 1 {
		t.Fatalf("committed request should still be reported")
	}
	st, _ := f.plans.State(ctx, "alice")
	if st.Stage != StagePlanRequested {
		t.Fatalf("request should remain pending, got %s", st.Stage)
	}

	f.oracle.err = nil
	again, events, err := f.plans.Redispatch(ctx, "alice")
	if err != nil {
		t.Fatalf("Redispatch error: %v", err)
	}
	if again.RequestID != issued.RequestID || f.oracle.last().RequestID != issued.RequestID {
		t.Fatalf("redispatch must reuse the pending id")
	}
	if len(events) != 1 || events[0].Kind != EventRequestRedispatched {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPlanCallbacksAcrossRequesters(t *testing.T) {
	f := newPlanFixture()
	ctx := context.Background()
	_, _, _ = f.assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	_, _, _ = f.assessments.Submit(ctx, "bob", ct("m"), ct("c"), ct("p"))
	ra, _, _ := f.plans.RequestTrainingPlan(ctx, "alice")
	rb, _, _ := f.plans.RequestTrainingPlan(ctx, "bob")

	plan, _, err := f.plans.HandleTrainingPlanCallback(ctx, rb.RequestID, planCleartext(), validProof(rb.RequestID))
	if err != nil || plan.Requester != "bob" {
		t.Fatalf("bob's callback misattributed: %+v %v", plan, err)
	}
	if _, err := f.plans.Plan(ctx, "alice"); !errors.Is(err, ErrNoTrainingPlan) {
		t.Fatalf("alice must still be waiting, got %v", err)
	}
	if _, _, err := f.plans.HandleTrainingPlanCallback(ctx, ra.RequestID, planCleartext(), validProof(ra.RequestID)); err != nil {
		t.Fatalf("alice's callback error: %v", err)
	}
}

func TestNilVerifierFailsClosed(t *testing.T) {
	kv := newStubKV()
	oracle := &stubOracle{}
	assessments := NewAssessmentService(kv)
	plans := NewPlanService(kv, nil, oracle)
	ctx := context.Background()
	_, _, _ = assessments.Submit(ctx, "alice", ct("m"), ct("c"), ct("p"))
	issued, _, _ := plans.RequestTrainingPlan(ctx, "alice")
	if _, _, err := plans.HandleTrainingPlanCallback(ctx, issued.RequestID, planCleartext(), validProof(issued.RequestID)); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}
}
