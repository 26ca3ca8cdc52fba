// Package scheduler drives confirmed deposits through proof generation: it
// claims eligible jobs under a lease, dispatches them to the proving service
// with bounded concurrency, and records the outcome of every attempt.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/veilbridge/relayer/internal/backoff"
	"github.com/veilbridge/relayer/internal/idempotency"
	"github.com/veilbridge/relayer/internal/prover"
	"github.com/veilbridge/relayer/internal/relay"
	"github.com/veilbridge/relayer/internal/source"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Config struct {
	// Circuit names the proving pipeline requests are routed to.
	Circuit string

	// Confirmations is how deep a deposit must be buried before its proof is
	// requested. Jobs above tip minus Confirmations are not claimed.
	Confirmations uint64

	Owner    string
	ClaimTTL time.Duration

	BatchSize   int
	MaxInflight int

	// MaxAttempts bounds proof retries per job; once exhausted the job is
	// marked failed for operator review.
	MaxAttempts int

	ProofTimeout time.Duration
	PollInterval time.Duration
	Backoff      backoff.Policy

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Scheduler struct {
	cfg    Config
	log    *slog.Logger
	store  relay.Store
	src    source.Client
	prover prover.Client
}

func New(cfg Config, store relay.Store, src source.Client, pc prover.Client, log *slog.Logger) (*Scheduler, error) {
	if store == nil || src == nil || pc == nil {
		return nil, fmt.Errorf("%w: nil store/source/prover", ErrInvalidConfig)
	}
	if cfg.Circuit == "" {
		return nil, fmt.Errorf("%w: Circuit is required", ErrInvalidConfig)
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
		cfg.Owner = fmt.Sprintf("proof-scheduler-%d", time.Now().UnixNano())
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = time.Minute
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 1
	}
	if cfg.ProofTimeout <= 0 {
		cfg.ProofTimeout = 15 * time.Minute
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
	return &Scheduler{cfg: cfg, log: log, store: store, src: src, prover: pc}, nil
}

// Run schedules proofs until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
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
			s.log.Error("proof scheduling step failed", "err", err, "attempt", attempt, "retryIn", delay)
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

// Step claims one batch of eligible jobs and runs them through the prover.
// It returns the number of jobs dispatched.
func (s *Scheduler) Step(ctx context.Context) (int, error) {
	tip, err := s.src.Height(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: source height: %w", err)
	}
	if tip < s.cfg.Confirmations {
		return 0, nil
	}
	maxHeight := tip - s.cfg.Confirmations

	jobs, err := s.store.ClaimForProving(ctx, s.cfg.Owner, s.cfg.ClaimTTL, maxHeight, s.cfg.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("scheduler: claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.cfg.MaxInflight)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job relay.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.process(ctx, job); err != nil {
				s.log.Error("proof job", "jobID", fmt.Sprintf("%x", job.JobID), "err", err)
			}
		}(job)
	}
	wg.Wait()
	return len(jobs), nil
}

func (s *Scheduler) process(ctx context.Context, job relay.Job) error {
	attempt := job.ProofAttempts + 1

	// The attempt is durable before the request leaves the process, so a
	// crash mid-proof cannot make the counter lie low.
	if err := s.store.MarkProofPending(ctx, job.JobID, attempt); err != nil {
		if errors.Is(err, relay.ErrInvalidTransition) {
			// Someone else advanced the job while we held the claim.
			return nil
		}
		return fmt.Errorf("mark proof pending: %w", err)
	}

	proveCtx, cancel := context.WithTimeout(ctx, s.cfg.ProofTimeout)
	defer cancel()

	res, err := s.prover.Prove(proveCtx, prover.Request{
		JobID:        job.JobID,
		Circuit:      s.cfg.Circuit,
		PublicInput:  idempotency.PublicInputsV1(job.JobID, job.Event.Recipient, job.Event.Amount),
		PrivateInput: idempotency.PrivateInputsV1(job.Event.SourceTxID, job.Event.SourceLogIndex, job.Event.SourceHeight, job.Event.SourceBlock, job.Event.Depositor),
		Deadline:     s.cfg.Now().Add(s.cfg.ProofTimeout),
	})
	if err == nil {
		if err := s.store.SetProofReady(ctx, job.JobID, res.Proof); err != nil {
			return fmt.Errorf("set proof ready: %w", err)
		}
		s.log.Info("proof ready", "jobID", fmt.Sprintf("%x", job.JobID), "attempt", attempt, "proofBytes", len(res.Proof))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Shutdown, not a prover verdict. The claim expires and the job is
		// retried by the next owner.
		return nil
	}

	if !prover.Retryable(err) {
		reason := fmt.Sprintf("unprovable inputs: %v", err)
		s.log.Error("proof failed permanently", "jobID", fmt.Sprintf("%x", job.JobID), "attempt", attempt, "err", err)
		if err := s.store.MarkFailed(ctx, job.JobID, reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}
	if attempt >= s.cfg.MaxAttempts {
		reason := fmt.Sprintf("proof attempts exhausted after %d tries: %v", attempt, err)
		s.log.Error("proof attempts exhausted", "jobID", fmt.Sprintf("%x", job.JobID), "attempts", attempt, "err", err)
		if err := s.store.MarkFailed(ctx, job.JobID, reason); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	}

	nextAt := s.cfg.Now().Add(s.cfg.Backoff.Delay(attempt))
	s.log.Warn("proof attempt failed", "jobID", fmt.Sprintf("%x", job.JobID), "attempt", attempt, "retryAt", nextAt, "err", err)
	if err := s.store.MarkProofRetry(ctx, job.JobID, attempt, err.Error(), nextAt); err != nil {
		return fmt.Errorf("mark proof retry: %w", err)
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
