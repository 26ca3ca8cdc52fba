package relay

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("relay: not found")
	ErrEventMismatch     = errors.New("relay: event mismatch")
	ErrInvalidTransition = errors.New("relay: invalid transition")
	ErrDestTxMismatch    = errors.New("relay: destination tx mismatch")
)

// Store is the single source of truth all components coordinate through.
//
// Every state transition is individually atomic and guarded: a transition
// either fully commits or is not observed, and a guard rejects regressions
// (e.g. a Confirmed job never moves back to an earlier phase). Claim methods
// take a per-owner lease so a crashed worker's claims expire and the job can
// be picked up again.
type Store interface {
	// Ingestion.
	UpsertObserved(ctx context.Context, ev DepositEvent) (Job, bool, error)
	Checkpoint(ctx context.Context) (Cursor, bool, error)
	SaveCheckpoint(ctx context.Context, cur Cursor) error
	BlockHash(ctx context.Context, height uint64) ([32]byte, bool, error)
	SaveBlockHash(ctx context.Context, height uint64, hash [32]byte) error
	PruneBlockHashes(ctx context.Context, below uint64) error
	// InvalidateAbove moves every non-terminal job whose source height is
	// strictly above the given height to Invalidated. Returns the number of
	// jobs moved.
	InvalidateAbove(ctx context.Context, height uint64) (int, error)
	RecordIngestError(ctx context.Context, height uint64, txID [32]byte, logIndex uint32, reason string) error

	// Lookup.
	Get(ctx context.Context, jobID [32]byte) (Job, error)
	GetByIdentity(ctx context.Context, txID [32]byte, logIndex uint32) (Job, error)
	ListByState(ctx context.Context, state State, limit int) ([]Job, error)

	// Proof phase (owned solely by the scheduler).
	//
	// ClaimForProving returns Observed jobs buried at least as deep as
	// maxHeight allows plus ProofPending jobs whose retry is due.
	ClaimForProving(ctx context.Context, owner string, ttl time.Duration, maxHeight uint64, now time.Time, limit int) ([]Job, error)
	MarkProofPending(ctx context.Context, jobID [32]byte, attempt int) error
	SetProofReady(ctx context.Context, jobID [32]byte, proof []byte) error
	MarkProofRetry(ctx context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error

	// Submission phase (owned solely by the submission manager).
	ClaimForSubmission(ctx context.Context, owner string, ttl time.Duration, limit int) ([]Job, error)
	MarkSubmissionPending(ctx context.Context, jobID [32]byte, seq uint64, attempt int) error
	SetSubmissionHandle(ctx context.Context, jobID [32]byte, handle [32]byte) error
	MarkSubmissionRetry(ctx context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error
	MarkConfirmed(ctx context.Context, jobID [32]byte, destTxID [32]byte) error
	MarkFailed(ctx context.Context, jobID [32]byte, reason string) error

	// Reconciliation.
	ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	// Requeue resets an Invalidated job to Observed after the source chain
	// re-converged and the deposit reappeared.
	Requeue(ctx context.Context, jobID [32]byte) error
	ListUnalertedFailed(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	MarkAlerted(ctx context.Context, jobID [32]byte) error
}
