package api

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/soaringjerry/Renova/internal/services"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return services.NewInvalidError("invalid request body: " + err.Error())
	}
	return nil
}

type errorBody struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorInfo `json:"error"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{
		RequestID: chimw.GetReqID(r.Context()),
		Error:     errorInfo{Code: code, Message: message, Details: details},
	})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	if errors.Is(err, services.ErrStorageFailure) {
		return http.StatusInternalServerError, string(services.ErrorStorage)
	}
	if errors.Is(err, services.ErrMalformedPlanPayload) {
		return http.StatusUnprocessableEntity, string(services.ErrorInvalid)
	}
	se, ok := services.AsServiceError(err)
	if !ok {
		return http.StatusInternalServerError, "internal"
	}
	switch se.Code {
	case services.ErrorInvalid:
		return http.StatusBadRequest, string(se.Code)
	case services.ErrorNotFound:
		return http.StatusNotFound, string(se.Code)
	case services.ErrorConflict, services.ErrorPrecondition:
		return http.StatusConflict, string(se.Code)
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized, string(se.Code)
	case services.ErrorBadGateway:
		return http.StatusBadGateway, string(se.Code)
	default:
		return http.StatusInternalServerError, string(se.Code)
	}
}

func (rt *Router) fail(w http.ResponseWriter, r *http.Request, err error, details any) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		rt.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeError(w, r, status, code, msg, details)
}
