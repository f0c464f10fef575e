package api

import (
	"net/http"

	"github.com/soaringjerry/Renova/internal/services"
)

// callbackRequest is what the oracle POSTs back. Cleartext and proof are
// base64 in JSON.
type callbackRequest struct {
	RequestID string `json:"request_id"`
	Cleartext []byte `json:"cleartext"`
	Proof     []byte `json:"proof"`
}

func (rt *Router) readCallback(w http.ResponseWriter, r *http.Request) (*callbackRequest, bool) {
	var req callbackRequest
	if err := readJSON(w, r, &req); err != nil {
		rt.fail(w, r, err, nil)
		return nil, false
	}
	if req.RequestID == "" {
		rt.fail(w, r, services.NewInvalidError("request_id is required"), nil)
		return nil, false
	}
	return &req, true
}

// POST /api/oracle/callbacks/plan
func (rt *Router) handlePlanCallback(w http.ResponseWriter, r *http.Request) {
	req, ok := rt.readCallback(w, r)
	if !ok {
		return
	}
	plan, events, err := rt.plans.HandleTrainingPlanCallback(r.Context(), req.RequestID, req.Cleartext, req.Proof)
	rt.emit(r, events)
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// POST /api/oracle/callbacks/decryption
func (rt *Router) handleDecryptionCallback(w http.ResponseWriter, r *http.Request) {
	req, ok := rt.readCallback(w, r)
	if !ok {
		return
	}
	rp, events, err := rt.plans.HandlePlanDecryptionCallback(r.Context(), req.RequestID, req.Cleartext, req.Proof)
	rt.emit(r, events)
	if err != nil {
		rt.fail(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": rp.RequestID, "status": "revealed"})
}
