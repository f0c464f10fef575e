package api

import (
	"errors"
	"net/http"

	"github.com/soaringjerry/Renova/internal/services"
)

type submitAssessmentRequest struct {
	Motor     services.Ciphertext `json:"motor"`
	Cognitive services.Ciphertext `json:"cognitive"`
	Pain      services.Ciphertext `json:"pain"`
}

// POST /api/assessments
func (rt *Router) handleSubmitAssessment(w http.ResponseWriter, r *http.Request) {
	var req submitAssessmentRequest
	if err := readJSON(w, r, &req); err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	if len(req.Motor) == 0 || len(req.Cognitive) == 0 || len(req.Pain) == 0 {
		rt.fail(w, r, services.NewInvalidError("motor, cognitive and pain handles are required"), nil)
		return
	}
	a, events, err := rt.assessments.Submit(r.Context(), requester(r), req.Motor, req.Cognitive, req.Pain)
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	rt.emit(r, events)
	writeJSON(w, http.StatusCreated, a)
}

// GET /api/assessments/me
func (rt *Router) handleGetAssessment(w http.ResponseWriter, r *http.Request) {
	a, err := rt.assessments.Get(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// POST /api/plans
func (rt *Router) handleRequestPlan(w http.ResponseWriter, r *http.Request) {
	issued, events, err := rt.plans.RequestTrainingPlan(r.Context(), requester(r))
	rt.writeIssued(w, r, issued, events, err)
}

// POST /api/plans/me/decryption
func (rt *Router) handleRequestDecryption(w http.ResponseWriter, r *http.Request) {
	issued, events, err := rt.plans.RequestPlanDecryption(r.Context(), requester(r))
	rt.writeIssued(w, r, issued, events, err)
}

// POST /api/plans/me/redispatch
func (rt *Router) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	issued, events, err := rt.plans.Redispatch(r.Context(), requester(r))
	rt.writeIssued(w, r, issued, events, err)
}

// writeIssued answers a request operation. A request that committed but
// could not reach the oracle is still reported with its id, since it stays
// pending and can be redispatched.
func (rt *Router) writeIssued(w http.ResponseWriter, r *http.Request, issued *services.IssuedRequest, events []services.Event, err error) {
	rt.emit(r, events)
	if err != nil {
		var details any
		if issued != nil && errors.Is(err, services.ErrOracleUnavailable) {
			details = map[string]string{"request_id": issued.RequestID}
		}
		rt.fail(w, r, err, details)
		return
	}
	writeJSON(w, http.StatusAccepted, issued)
}

// GET /api/plans/me
func (rt *Router) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := rt.plans.Plan(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// GET /api/plans/me/state
func (rt *Router) handleGetState(w http.ResponseWriter, r *http.Request) {
	st, err := rt.plans.State(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/plans/me/revealed
func (rt *Router) handleGetRevealed(w http.ResponseWriter, r *http.Request) {
	rp, err := rt.plans.RevealedPlan(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, rp)
}

type appendProgressRequest struct {
	MotorImprovement services.Ciphertext `json:"motor_improvement"`
	CognitiveGain    services.Ciphertext `json:"cognitive_gain"`
}

// POST /api/progress
func (rt *Router) handleAppendProgress(w http.ResponseWriter, r *http.Request) {
	var req appendProgressRequest
	if err := readJSON(w, r, &req); err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	if len(req.MotorImprovement) == 0 || len(req.CognitiveGain) == 0 {
		rt.fail(w, r, services.NewInvalidError("motor_improvement and cognitive_gain handles are required"), nil)
		return
	}
	rec, events, err := rt.progress.Append(r.Context(), requester(r), req.MotorImprovement, req.CognitiveGain)
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	rt.emit(r, events)
	writeJSON(w, http.StatusCreated, rec)
}

// GET /api/progress/me
func (rt *Router) handleListProgress(w http.ResponseWriter, r *http.Request) {
	recs, err := rt.progress.List(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	if recs == nil {
		recs = []*services.ProgressRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// GET /api/progress/me/count
func (rt *Router) handleCountProgress(w http.ResponseWriter, r *http.Request) {
	n, err := rt.progress.Count(r.Context(), requester(r))
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
