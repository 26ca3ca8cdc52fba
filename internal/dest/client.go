// Package dest submits relay transactions to the destination chain and
// reports their fate. Submissions are sequenced: each carries an explicit
// account sequence number so the caller controls ordering and replacement.
package dest

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrInvalidConfig = errors.New("dest: invalid config")

	// ErrUnavailable wraps transport and node failures where the submission
	// outcome is unknown.
	ErrUnavailable = errors.New("dest: node unavailable")

	// ErrSequencingConflict means the sequence number was already consumed
	// by another transaction. The caller must resync before retrying.
	ErrSequencingConflict = errors.New("dest: sequence already used")
)

// RejectedError is a definitive verdict from the destination chain: the
// transaction was evaluated and refused. Resending the same submission
// cannot succeed.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	if e == nil || strings.TrimSpace(e.Reason) == "" {
		return "dest: submission rejected"
	}
	return "dest: submission rejected: " + e.Reason
}

type Submission struct {
	JobID       [32]byte
	Proof       []byte
	PublicInput []byte
	Sequence    uint64
}

type ReceiptState uint8

const (
	ReceiptUnknown ReceiptState = iota
	ReceiptPending
	ReceiptConfirmed
	ReceiptRejected
)

func (s ReceiptState) String() string {
	switch s {
	case ReceiptUnknown:
		return "unknown"
	case ReceiptPending:
		return "pending"
	case ReceiptConfirmed:
		return "confirmed"
	case ReceiptRejected:
		return "rejected"
	default:
		return "invalid"
	}
}

type Receipt struct {
	State  ReceiptState
	TxID   [32]byte
	Height uint64
	Reason string
}

type Client interface {
	// AccountSequence returns the next unused sequence number for the
	// relayer account, as seen by the destination node.
	AccountSequence(ctx context.Context) (uint64, error)

	// Submit broadcasts a relay transaction at the given sequence and
	// returns its handle. Re-submitting the same Submission replaces the
	// in-flight transaction with higher fees.
	Submit(ctx context.Context, sub Submission) ([32]byte, error)

	// Status reports the fate of a previously returned handle.
	Status(ctx context.Context, handle [32]byte) (Receipt, error)
}
