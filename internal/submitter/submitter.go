// Package submitter relays proven deposits to the destination chain. It is
// strictly sequential: each submission's fate is resolved, or deliberately
// parked for reconciliation, before the next one is broadcast.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/veilbridge/relayer/internal/backoff"
	"github.com/veilbridge/relayer/internal/dest"
	"github.com/veilbridge/relayer/internal/idempotency"
	"github.com/veilbridge/relayer/internal/proofarchive"
	"github.com/veilbridge/relayer/internal/relay"
)

var ErrInvalidConfig = errors.New("submitter: invalid config")

type Config struct {
	Owner    string
	ClaimTTL time.Duration

	BatchSize int

	// MaxAttempts bounds transient submission retries per job. Definitive
	// destination rejections never retry regardless of this limit.
	MaxAttempts int

	// WaitMined bounds how long a broadcast is polled for a receipt before
	// the job is parked in its submitted state for the reconciler.
	WaitMined           time.Duration
	ReceiptPollInterval time.Duration

	// ReplaceAfter is how long an unmined transaction may sit in the pool
	// before it is replaced with a fee-bumped copy at the same sequence.
	ReplaceAfter time.Duration

	PollInterval time.Duration
	Backoff      backoff.Policy

	// Archive, when set, receives a record of every confirmed relay. An
	// archive failure is logged, not propagated; the relay stays confirmed.
	Archive proofarchive.Archive

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Submitter struct {
	cfg   Config
	log   *slog.Logger
	store relay.Store
	dest  dest.Client
}

func New(cfg Config, store relay.Store, dc dest.Client, log *slog.Logger) (*Submitter, error) {
	if store == nil || dc == nil {
		return nil, fmt.Errorf("%w: nil store/destination", ErrInvalidConfig)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: BatchSize must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w: MaxAttempts must be > 0", ErrInvalidConfig)
	}
	if cfg.Backoff.Base <= 0 {
		return nil, fmt.Errorf("%w: Backoff is required", ErrInvalidConfig)
	}
	if cfg.Owner == "" {
		cfg.Owner = fmt.Sprintf("submitter-%d", time.Now().UnixNano())
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.WaitMined <= 0 {
		cfg.WaitMined = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ReplaceAfter <= 0 {
		cfg.ReplaceAfter = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Submitter{cfg: cfg, log: log, store: store, dest: dc}, nil
}

// Run submits until the context is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			attempt++
			delay := s.cfg.Backoff.Delay(attempt)
			s.log.Error("submission step failed", "err", err, "attempt", attempt, "retryIn", delay)
			if err := s.cfg.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		if n == 0 {
			if err := s.cfg.Sleep(ctx, s.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// Step first resolves any submissions already in flight, then broadcasts one
// batch of proof-ready jobs in order. It returns the number of jobs handled.
func (s *Submitter) Step(ctx context.Context) (int, error) {
	handled, open, err := s.resolveInflight(ctx)
	if err != nil {
		return handled, err
	}
	if open {
		// An earlier sequence slot has no known outcome yet; no later slot
		// may be opened until it resolves.
		return handled, nil
	}

	jobs, err := s.store.ClaimForSubmission(ctx, s.cfg.Owner, s.cfg.ClaimTTL, s.cfg.BatchSize)
	if err != nil {
		return handled, fmt.Errorf("submitter: claim jobs: %w", err)
	}
	for _, job := range jobs {
		resolved, err := s.submit(ctx, job)
		if err != nil {
			return handled, err
		}
		handled++
		if !resolved {
			// The fate of this sequence is still open; later sequences must
			// not overtake it.
			break
		}
	}
	return handled, nil
}

// resolveInflight drains jobs left in their submitted state by an earlier
// run: status-query the ones with a known handle, rebroadcast the ones that
// crashed before broadcast. The reported bool is true while any in-flight
// sequence slot still has an unknown outcome.
func (s *Submitter) resolveInflight(ctx context.Context) (int, bool, error) {
	jobs, err := s.store.ListByState(ctx, relay.StateSubmissionPending, s.cfg.BatchSize)
	if err != nil {
		return 0, false, fmt.Errorf("submitter: list submitted: %w", err)
	}
	handled := 0
	open := false
	for _, job := range jobs {
		if job.SubmissionHandle == ([32]byte{}) {
			// Crashed after the sequence was persisted but before broadcast.
			// Re-broadcasting at the same sequence cannot double-relay.
			resolved, err := s.rebroadcast(ctx, job)
			if err != nil {
				return handled, open, err
			}
			if !resolved {
				open = true
			}
			handled++
			continue
		}
		rec, err := s.dest.Status(ctx, job.SubmissionHandle)
		if err != nil {
			return handled, open, fmt.Errorf("submitter: status %x: %w", job.SubmissionHandle, err)
		}
		switch rec.State {
		case dest.ReceiptConfirmed:
			if err := s.confirm(ctx, job, rec); err != nil {
				return handled, open, err
			}
			handled++
		case dest.ReceiptRejected:
			if err := s.fail(ctx, job, "destination rejected: "+rec.Reason); err != nil {
				return handled, open, err
			}
			handled++
		default:
			if s.cfg.Now().Sub(job.UpdatedAt) >= s.cfg.ReplaceAfter {
				// Still unmined; replace with bumped fees at the same
				// sequence.
				resolved, err := s.rebroadcast(ctx, job)
				if err != nil {
					return handled, open, err
				}
				if !resolved {
					open = true
				}
				handled++
			} else {
				open = true
			}
		}
	}
	return handled, open, nil
}

// rebroadcast re-sends an in-flight job at its stored sequence and waits for
// the receipt. The reported bool is false when the outcome is still open at
// return.
func (s *Submitter) rebroadcast(ctx context.Context, job relay.Job) (bool, error) {
	if err := s.broadcast(ctx, job, job.SubmissionSeq); err != nil {
		return false, err
	}
	job, err := s.store.Get(ctx, job.JobID)
	if err != nil {
		return false, fmt.Errorf("submitter: reload job: %w", err)
	}
	if job.State != relay.StateSubmissionPending {
		return true, nil
	}
	return s.waitMined(ctx, job)
}

// submit drives one freshly claimed job: allocate a sequence, persist it,
// broadcast, then wait for the receipt. The reported bool is false when the
// outcome is still open at return.
func (s *Submitter) submit(ctx context.Context, job relay.Job) (bool, error) {
	attempt := job.SubmitAttempts + 1

	seq, err := s.dest.AccountSequence(ctx)
	if err != nil {
		return false, fmt.Errorf("submitter: account sequence: %w", err)
	}

	// The sequence is durable before anything reaches the wire, so a crash
	// here is recoverable without guessing.
	if err := s.store.MarkSubmissionPending(ctx, job.JobID, seq, attempt); err != nil {
		if errors.Is(err, relay.ErrInvalidTransition) {
			return true, nil
		}
		return false, fmt.Errorf("submitter: mark submitted: %w", err)
	}
	job.SubmissionSeq = seq
	job.SubmitAttempts = attempt

	if err := s.broadcast(ctx, job, seq); err != nil {
		return false, err
	}

	// Re-read: broadcast may already have settled the job.
	job, err = s.store.Get(ctx, job.JobID)
	if err != nil {
		return false, fmt.Errorf("submitter: reload job: %w", err)
	}
	if job.State != relay.StateSubmissionPending {
		return true, nil
	}
	return s.waitMined(ctx, job)
}

// broadcast sends the relay transaction at the given sequence and records
// the resulting handle. Definitive rejections fail the job; transient
// failures schedule a retry.
func (s *Submitter) broadcast(ctx context.Context, job relay.Job, seq uint64) error {
	handle, err := s.dest.Submit(ctx, dest.Submission{
		JobID:       job.JobID,
		Proof:       job.Proof,
		PublicInput: idempotency.PublicInputsV1(job.JobID, job.Event.Recipient, job.Event.Amount),
		Sequence:    seq,
	})
	if err != nil {
		var rejected *dest.RejectedError
		switch {
		case errors.As(err, &rejected):
			s.log.Error("submission rejected", "jobID", fmt.Sprintf("%x", job.JobID), "reason", rejected.Reason)
			return s.fail(ctx, job, "destination rejected: "+rejected.Reason)
		case errors.Is(err, dest.ErrSequencingConflict) && job.SubmissionHandle != ([32]byte{}):
			// The slot was consumed under an unmined replacement; the earlier
			// broadcast may be what consumed it. Settle from its receipt
			// before giving the handle up.
			return s.settleFromHandle(ctx, job)
		case errors.Is(err, dest.ErrSequencingConflict):
			s.log.Warn("sequence conflict, retrying with fresh sequence", "jobID", fmt.Sprintf("%x", job.JobID), "seq", seq)
			return s.retry(ctx, job, err)
		default:
			if job.SubmissionHandle != ([32]byte{}) {
				// Replacement send failed; the original stays in flight with
				// its handle intact.
				s.log.Warn("replacement broadcast failed", "jobID", fmt.Sprintf("%x", job.JobID), "err", err)
				return nil
			}
			s.log.Warn("submission broadcast failed", "jobID", fmt.Sprintf("%x", job.JobID), "err", err)
			return s.retry(ctx, job, err)
		}
	}
	if err := s.store.SetSubmissionHandle(ctx, job.JobID, handle); err != nil {
		return fmt.Errorf("submitter: record handle: %w", err)
	}
	s.log.Info("submission broadcast", "jobID", fmt.Sprintf("%x", job.JobID), "seq", seq, "handle", fmt.Sprintf("%x", handle))
	return nil
}

// settleFromHandle resolves a job from the receipt of its already-broadcast
// transaction. A still-pending receipt leaves the job parked with the handle;
// a fresh-sequence resubmission here could double-relay a credit that mined.
func (s *Submitter) settleFromHandle(ctx context.Context, job relay.Job) error {
	rec, err := s.dest.Status(ctx, job.SubmissionHandle)
	if err != nil {
		return fmt.Errorf("submitter: status %x: %w", job.SubmissionHandle, err)
	}
	switch rec.State {
	case dest.ReceiptConfirmed:
		return s.confirm(ctx, job, rec)
	case dest.ReceiptRejected:
		return s.fail(ctx, job, "destination rejected: "+rec.Reason)
	default:
		s.log.Warn("sequence consumed, earlier broadcast still unmined", "jobID", fmt.Sprintf("%x", job.JobID), "handle", fmt.Sprintf("%x", job.SubmissionHandle))
		return nil
	}
}

// waitMined polls for the receipt until WaitMined elapses. An unmined
// transaction is left in its submitted state for the reconciler.
func (s *Submitter) waitMined(ctx context.Context, job relay.Job) (bool, error) {
	deadline := s.cfg.Now().Add(s.cfg.WaitMined)
	for {
		rec, err := s.dest.Status(ctx, job.SubmissionHandle)
		if err != nil {
			return false, fmt.Errorf("submitter: status %x: %w", job.SubmissionHandle, err)
		}
		switch rec.State {
		case dest.ReceiptConfirmed:
			return true, s.confirm(ctx, job, rec)
		case dest.ReceiptRejected:
			return true, s.fail(ctx, job, "destination rejected: "+rec.Reason)
		}
		if !s.cfg.Now().Before(deadline) {
			s.log.Warn("submission unmined within wait window", "jobID", fmt.Sprintf("%x", job.JobID), "handle", fmt.Sprintf("%x", job.SubmissionHandle))
			return false, nil
		}
		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return false, err
		}
	}
}

func (s *Submitter) confirm(ctx context.Context, job relay.Job, rec dest.Receipt) error {
	if err := s.store.MarkConfirmed(ctx, job.JobID, rec.TxID); err != nil {
		return fmt.Errorf("submitter: mark confirmed: %w", err)
	}
	s.log.Info("relay confirmed", "jobID", fmt.Sprintf("%x", job.JobID), "destTx", fmt.Sprintf("%x", rec.TxID), "height", rec.Height)
	if s.cfg.Archive != nil {
		arc := proofarchive.Record{
			JobID:       job.JobID,
			Proof:       job.Proof,
			PublicInput: idempotency.PublicInputsV1(job.JobID, job.Event.Recipient, job.Event.Amount),
			DestTxID:    rec.TxID,
			ConfirmedAt: s.cfg.Now(),
		}
		if err := s.cfg.Archive.Put(ctx, arc); err != nil {
			s.log.Warn("proof archive write failed", "jobID", fmt.Sprintf("%x", job.JobID), "err", err)
		}
	}
	return nil
}

func (s *Submitter) fail(ctx context.Context, job relay.Job, reason string) error {
	if err := s.store.MarkFailed(ctx, job.JobID, reason); err != nil {
		return fmt.Errorf("submitter: mark failed: %w", err)
	}
	return nil
}

// retry returns the job to the submission queue, or fails it once the
// transient-attempt budget is spent.
func (s *Submitter) retry(ctx context.Context, job relay.Job, cause error) error {
	attempt := job.SubmitAttempts
	if attempt >= s.cfg.MaxAttempts {
		return s.fail(ctx, job, fmt.Sprintf("submission attempts exhausted after %d tries: %v", attempt, cause))
	}
	nextAt := s.cfg.Now().Add(s.cfg.Backoff.Delay(attempt))
	if err := s.store.MarkSubmissionRetry(ctx, job.JobID, attempt, cause.Error(), nextAt); err != nil {
		return fmt.Errorf("submitter: mark submission retry: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
