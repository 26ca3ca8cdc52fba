// Package reconciler closes the gaps the hot path leaves behind: submissions
// whose receipts were never observed, and failed relays no operator has been
// told about.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/veilbridge/relayer/internal/dest"
	"github.com/veilbridge/relayer/internal/idempotency"
	"github.com/veilbridge/relayer/internal/proofarchive"
	"github.com/veilbridge/relayer/internal/queue"
	"github.com/veilbridge/relayer/internal/relay"
)

var ErrInvalidConfig = errors.New("reconciler: invalid config")

type Config struct {
	// Grace is how long a submission may sit unresolved before the sweep
	// picks it up. It should comfortably exceed the submitter's own receipt
	// wait.
	Grace time.Duration

	// AlertAfter is how long a job may sit failed before an alert is
	// published for it.
	AlertAfter time.Duration

	AlertTopic string

	// Archive, when set, receives a record of each relay the sweep confirms.
	// Archive failures are logged and never block the confirmation.
	Archive proofarchive.Archive

	Interval  time.Duration
	BatchSize int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Reconciler struct {
	cfg      Config
	log      *slog.Logger
	store    relay.Store
	dest     dest.Client
	producer queue.Producer
}

// Stats summarizes one sweep.
type Stats struct {
	Confirmed    int `json:"confirmed"`
	Failed       int `json:"failed"`
	StillPending int `json:"stillPending"`
	Alerted      int `json:"alerted"`
}

func New(cfg Config, store relay.Store, dc dest.Client, producer queue.Producer, log *slog.Logger) (*Reconciler, error) {
	if store == nil || dc == nil {
		return nil, fmt.Errorf("%w: nil store/destination", ErrInvalidConfig)
	}
	if producer != nil && cfg.AlertTopic == "" {
		return nil, fmt.Errorf("%w: AlertTopic is required with a producer", ErrInvalidConfig)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
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
	return &Reconciler{cfg: cfg, log: log, store: store, dest: dc, producer: producer}, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats, err := r.Sweep(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.log.Error("reconcile sweep failed", "err", err)
		} else if stats != (Stats{}) {
			r.log.Info("reconcile sweep",
				"confirmed", stats.Confirmed,
				"failed", stats.Failed,
				"stillPending", stats.StillPending,
				"alerted", stats.Alerted,
			)
		}
		if err := r.cfg.Sleep(ctx, r.cfg.Interval); err != nil {
			return err
		}
	}
}

// Sweep resolves stale submissions against the destination chain and
// publishes alerts for unreported failures. It is safe to run concurrently
// with the hot path.
func (r *Reconciler) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	now := r.cfg.Now()

	stale, err := r.store.ListSubmittedBefore(ctx, now.Add(-r.cfg.Grace), r.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("reconciler: list stale submissions: %w", err)
	}
	for _, job := range stale {
		if job.SubmissionHandle == ([32]byte{}) {
			// Never broadcast; the submitter's recovery path owns it.
			stats.StillPending++
			continue
		}
		rec, err := r.dest.Status(ctx, job.SubmissionHandle)
		if err != nil {
			return stats, fmt.Errorf("reconciler: status %x: %w", job.SubmissionHandle, err)
		}
		switch rec.State {
		case dest.ReceiptConfirmed:
			if err := r.store.MarkConfirmed(ctx, job.JobID, rec.TxID); err != nil {
				return stats, fmt.Errorf("reconciler: mark confirmed: %w", err)
			}
			r.log.Info("stale submission resolved confirmed", "jobID", fmt.Sprintf("%x", job.JobID), "destTx", fmt.Sprintf("%x", rec.TxID))
			r.archive(ctx, job, rec.TxID)
			stats.Confirmed++
		case dest.ReceiptRejected:
			if err := r.store.MarkFailed(ctx, job.JobID, "destination rejected: "+rec.Reason); err != nil {
				return stats, fmt.Errorf("reconciler: mark failed: %w", err)
			}
			r.log.Warn("stale submission resolved rejected", "jobID", fmt.Sprintf("%x", job.JobID), "reason", rec.Reason)
			stats.Failed++
		default:
			stats.StillPending++
		}
	}

	if r.producer != nil {
		alerted, err := r.alertFailed(ctx, now)
		if err != nil {
			return stats, err
		}
		stats.Alerted = alerted
	}
	return stats, nil
}

func (r *Reconciler) archive(ctx context.Context, job relay.Job, destTx [32]byte) {
	if r.cfg.Archive == nil {
		return
	}
	rec := proofarchive.Record{
		JobID:       job.JobID,
		Proof:       job.Proof,
		PublicInput: idempotency.PublicInputsV1(job.JobID, job.Event.Recipient, job.Event.Amount),
		DestTxID:    destTx,
		ConfirmedAt: r.cfg.Now(),
	}
	if err := r.cfg.Archive.Put(ctx, rec); err != nil {
		r.log.Warn("proof archive write failed", "jobID", fmt.Sprintf("%x", job.JobID), "err", err)
	}
}

func (r *Reconciler) alertFailed(ctx context.Context, now time.Time) (int, error) {
	failed, err := r.store.ListUnalertedFailed(ctx, now.Add(-r.cfg.AlertAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("reconciler: list unalerted failed: %w", err)
	}
	alerted := 0
	for _, job := range failed {
		payload, err := json.Marshal(map[string]any{
			"version":    "relay.alert.v1",
			"kind":       "relay_failed",
			"job_id":     fmt.Sprintf("0x%x", job.JobID),
			"source_tx":  fmt.Sprintf("0x%x", job.Event.SourceTxID),
			"log_index":  job.Event.SourceLogIndex,
			"amount":     job.Event.Amount,
			"reason":     job.LastError,
			"updated_at": job.UpdatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return alerted, fmt.Errorf("reconciler: marshal alert: %w", err)
		}
		if err := r.producer.Publish(ctx, r.cfg.AlertTopic, payload); err != nil {
			return alerted, fmt.Errorf("reconciler: publish alert: %w", err)
		}
		// The alert flag flips only after the publish succeeded, so a crash
		// in between re-alerts rather than losing the failure.
		if err := r.store.MarkAlerted(ctx, job.JobID); err != nil {
			return alerted, fmt.Errorf("reconciler: mark alerted: %w", err)
		}
		alerted++
	}
	return alerted, nil
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
