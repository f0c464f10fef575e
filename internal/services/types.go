package services

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Ciphertext is an opaque handle to an encrypted value. The core never
// decrypts it; it only stores and forwards it.
type Ciphertext []byte

// CiphertextFromUint64 builds a 32-byte big-endian handle, the width the
// oracle uses for handles embedded in a cleartext.
func CiphertextFromUint64(v uint64) Ciphertext {
	out := make(Ciphertext, WordSize)
	binary.BigEndian.PutUint64(out[WordSize-8:], v)
	return out
}

func (c Ciphertext) String() string { return "0x" + hex.EncodeToString(c) }

func (c Ciphertext) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Ciphertext) UnmarshalText(b []byte) error {
	s := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("ciphertext: %w", err)
	}
	*c = raw
	return nil
}

func (c Ciphertext) Equal(o Ciphertext) bool { return bytes.Equal(c, o) }

func cloneCiphertext(c Ciphertext) Ciphertext { return append(Ciphertext(nil), c...) }

// PlanDays is the length of each sequence of a training plan (one week).
const PlanDays = 7

// PlanWords is the number of 32-byte words a plan cleartext must carry.
const PlanWords = 2 * PlanDays

type EncryptedAssessment struct {
	Requester   string     `json:"requester"`
	Motor       Ciphertext `json:"motor"`
	Cognitive   Ciphertext `json:"cognitive"`
	Pain        Ciphertext `json:"pain"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

type PendingRequest struct {
	RequestID string    `json:"request_id"`
	Requester string    `json:"requester"`
	IssuedAt  time.Time `json:"issued_at"`
}

type TrainingPlan struct {
	Requester       string       `json:"requester"`
	Exercise        []Ciphertext `json:"exercise"`
	Cognitive       []Ciphertext `json:"cognitive"`
	SourceRequestID string       `json:"source_request_id"`
	AssessmentAt    time.Time    `json:"assessment_at"`
	IsGenerated     bool         `json:"is_generated"`
	GeneratedAt     time.Time    `json:"generated_at"`
}

// RevealedPlan holds the decrypted plan values handed back to the requester.
type RevealedPlan struct {
	Requester  string    `json:"requester"`
	RequestID  string    `json:"request_id"`
	Exercise   []uint64  `json:"exercise"`
	Cognitive  []uint64  `json:"cognitive"`
	RevealedAt time.Time `json:"revealed_at"`
}

type ProgressRecord struct {
	Requester        string     `json:"requester"`
	Index            int        `json:"index"`
	MotorImprovement Ciphertext `json:"motor_improvement"`
	CognitiveGain    Ciphertext `json:"cognitive_gain"`
	RecordedAt       time.Time  `json:"recorded_at"`
}

type Stage string

const (
	StageNoAssessment            Stage = "no_assessment"
	StageAssessmentSubmitted     Stage = "assessment_submitted"
	StagePlanRequested           Stage = "plan_requested"
	StagePlanGenerated           Stage = "plan_generated"
	StagePlanDecryptionRequested Stage = "plan_decryption_requested"
	StagePlanRevealed            Stage = "plan_revealed"
)

func (s Stage) pending() bool {
	return s == StagePlanRequested || s == StagePlanDecryptionRequested
}

// RequestKind names the oracle computation a request id was issued for.
type RequestKind string

const (
	KindPlanGeneration RequestKind = "plan_generation"
	KindPlanDecryption RequestKind = "plan_decryption"
)

// PlanState is the per-requester state machine record. While a request is
// outstanding it keeps the handles that were sent so the request refers to
// the assessment as it was at issuance time.
type PlanState struct {
	Requester        string       `json:"requester"`
	Stage            Stage        `json:"stage"`
	PendingRequestID string       `json:"pending_request_id,omitempty"`
	PendingKind      RequestKind  `json:"pending_kind,omitempty"`
	PendingHandles   []Ciphertext `json:"pending_handles,omitempty"`
	AssessmentAt     time.Time    `json:"assessment_at,omitempty"`
	// Settled is the stage to fall back to when the pending request fails.
	Settled   Stage     `json:"settled,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssuedRequest is what a request operation hands back to its caller.
type IssuedRequest struct {
	RequestID string       `json:"request_id"`
	Kind      RequestKind  `json:"kind"`
	Handles   []Ciphertext `json:"handles"`
}

type EventKind string

const (
	EventAssessmentSubmitted     EventKind = "assessment.submitted"
	EventPlanRequested           EventKind = "plan.requested"
	EventPlanGenerated           EventKind = "plan.generated"
	EventPlanDecryptionRequested EventKind = "plan.decryption_requested"
	EventPlanRevealed            EventKind = "plan.revealed"
	EventCallbackRejected        EventKind = "oracle.callback_rejected"
	EventProgressRecorded        EventKind = "progress.recorded"
	EventRequestRedispatched     EventKind = "oracle.request_redispatched"
)

// Event is emitted once per state transition. Delivery is up to the caller.
type Event struct {
	Kind      EventKind `json:"kind"`
	Requester string    `json:"requester"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}
