package relay

import (
	"fmt"
	"time"

	"github.com/veilbridge/relayer/internal/idempotency"
)

type State uint8

const (
	StateUnknown State = iota
	StateObserved
	StateProofPending
	StateProofReady
	StateSubmissionPending
	StateConfirmed
	StateFailed
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateObserved:
		return "observed"
	case StateProofPending:
		return "proof_pending"
	case StateProofReady:
		return "proof_ready"
	case StateSubmissionPending:
		return "submission_pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether a job in this state is never advanced by the
// event-driven paths. Invalidated jobs may still be requeued by
// reconciliation when the source chain re-converges.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// DepositEvent identifies one source-chain deposit. The identity key is
// (SourceTxID, SourceLogIndex); re-observation of the same key must be
// idempotent.
type DepositEvent struct {
	SourceTxID     [32]byte
	SourceLogIndex uint32
	SourceHeight   uint64
	SourceBlock    [32]byte

	Depositor [20]byte
	Amount    uint64
	// Recipient is the opaque destination-chain commitment the credit is
	// bound to. The relayer never interprets it.
	Recipient [32]byte
}

// Job tracks one deposit from observation to destination-chain confirmation.
type Job struct {
	JobID [32]byte
	Event DepositEvent
	State State

	// Proof is set once the proof backend succeeds (StateProofReady and later).
	Proof []byte

	// SubmissionSeq and SubmissionHandle are set when a destination
	// submission has been prepared/sent. DestTxID is set exactly once, on
	// confirmation.
	SubmissionSeq    uint64
	SubmissionHandle [32]byte
	DestTxID         [32]byte

	ProofAttempts  int
	SubmitAttempts int
	LastError      string
	NextRetryAt    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobID derives the deterministic job id for an event's identity key.
func JobID(ev DepositEvent) [32]byte {
	return idempotency.JobIDV1(ev.SourceTxID, ev.SourceLogIndex)
}

// Cursor is the ingestion checkpoint: the highest source block whose events
// are durably recorded, together with its hash for reorg detection.
type Cursor struct {
	Height    uint64
	BlockHash [32]byte
}
