package services

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorConflict     ErrorCode = "conflict"
	ErrorPrecondition ErrorCode = "precondition"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorBadGateway   ErrorCode = "bad_gateway"
	ErrorStorage      ErrorCode = "storage"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

func NewInvalidError(msg string) error  { return &ServiceError{Code: ErrorInvalid, Message: msg} }
func NewNotFoundError(msg string) error { return &ServiceError{Code: ErrorNotFound, Message: msg} }
func NewUnauthorizedError(msg string) error {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func AsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

var (
	// ErrNoAssessment is returned when a plan is requested before any assessment was submitted.
	ErrNoAssessment = &ServiceError{Code: ErrorPrecondition, Message: "no assessment submitted"}
	// ErrNoTrainingPlan is returned when an operation needs a generated plan and none exists.
	ErrNoTrainingPlan = &ServiceError{Code: ErrorPrecondition, Message: "no training plan generated"}
	// ErrNoRevealedPlan is returned when the plan has not been decrypted yet.
	ErrNoRevealedPlan = &ServiceError{Code: ErrorNotFound, Message: "training plan not revealed"}
	// ErrRequestPending rejects a new request while the requester still has one outstanding.
	ErrRequestPending = &ServiceError{Code: ErrorConflict, Message: "a computation request is already pending"}
	// ErrNoPendingRequest is returned by Redispatch when nothing is outstanding.
	ErrNoPendingRequest = &ServiceError{Code: ErrorPrecondition, Message: "no pending computation request"}
	// ErrUnknownOrResolvedRequest rejects callbacks for ids that were never issued or were already consumed.
	ErrUnknownOrResolvedRequest = &ServiceError{Code: ErrorNotFound, Message: "unknown or already resolved request"}
	// ErrInvalidProof rejects a callback whose attestation does not match its cleartext.
	ErrInvalidProof = &ServiceError{Code: ErrorUnauthorized, Message: "invalid proof"}
	// ErrMalformedPlanPayload rejects a cleartext that does not decode to the expected words.
	ErrMalformedPlanPayload = &ServiceError{Code: ErrorInvalid, Message: "malformed plan payload"}
	// ErrOracleUnavailable means the request was committed but could not be delivered to the oracle.
	ErrOracleUnavailable = &ServiceError{Code: ErrorBadGateway, Message: "oracle unavailable"}
	// ErrStorageFailure matches every *StorageError via errors.Is.
	ErrStorageFailure = &ServiceError{Code: ErrorStorage, Message: "storage failure"}
)

// StorageError wraps a failure reported by the KV collaborator.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// storageErr leaves service errors untouched so sentinels raised inside a
// transaction reach the caller unchanged.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsServiceError(err); ok {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
