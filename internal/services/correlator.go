package services

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const maxIssueAttempts = 4

// Correlator binds issued request ids to the requester that issued them. It
// works inside the caller's transaction so issuing or resolving an id commits
// together with the state change that depends on it.
type Correlator struct {
	kind  Kind
	now   func() time.Time
	idGen func() string
}

func NewCorrelator(kind Kind) *Correlator {
	return &Correlator{
		kind:  kind,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: uuid.NewString,
	}
}

// Issue records a fresh request id for requester and returns it.
func (c *Correlator) Issue(tx Tx, requester string) (string, error) {
	for i := 0; i < maxIssueAttempts; i++ {
		id := c.idGen()
		_, err := tx.Get(c.kind, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return "", storageErr("correlator lookup", err)
		}
		if err := putJSON(tx, c.kind, id, PendingRequest{RequestID: id, Requester: requester, IssuedAt: c.now()}); err != nil {
			return "", err
		}
		return id, nil
	}
	return "", &StorageError{Op: "correlator issue", Err: errors.New("could not allocate a unique request id")}
}

// Resolve consumes requestID and returns who issued it. A second call for the
// same id fails with ErrUnknownOrResolvedRequest.
func (c *Correlator) Resolve(tx Tx, requestID string) (*PendingRequest, error) {
	if requestID == "" {
		return nil, ErrUnknownOrResolvedRequest
	}
	var pr PendingRequest
	found, err := getJSON(tx, c.kind, requestID, &pr)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrUnknownOrResolvedRequest
	}
	if err := tx.Delete(c.kind, requestID); err != nil {
		return nil, storageErr("correlator resolve", err)
	}
	return &pr, nil
}
