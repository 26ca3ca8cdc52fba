// Package watcher ingests the source-chain event log into the relay store:
// forward-only scan from the last durable checkpoint, idempotent upserts,
// reorg detection with walk-back and job invalidation.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/veilbridge/relayer/internal/backoff"
	"github.com/veilbridge/relayer/internal/relay"
	"github.com/veilbridge/relayer/internal/source"
)

var ErrInvalidConfig = errors.New("watcher: invalid config")

type Config struct {
	// StartHeight is the first height to scan when no checkpoint exists yet.
	StartHeight uint64

	// Confirmations is the reorg safety margin; the block-hash window kept
	// for walk-back retains twice this many heights.
	Confirmations uint64

	BatchSize    uint64
	PollInterval time.Duration

	// Backoff paces retries when the source client is unavailable. Ingestion
	// retries forever; only the delay is bounded.
	Backoff backoff.Policy

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Watcher struct {
	cfg   Config
	log   *slog.Logger
	store relay.Store
	src   source.Client
}

func New(cfg Config, store relay.Store, src source.Client, log *slog.Logger) (*Watcher, error) {
	if store == nil || src == nil {
		return nil, fmt.Errorf("%w: nil store/source", ErrInvalidConfig)
	}
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("%w: BatchSize must be > 0", ErrInvalidConfig)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: PollInterval must be > 0", ErrInvalidConfig)
	}
	if cfg.Backoff.Base <= 0 {
		return nil, fmt.Errorf("%w: Backoff is required", ErrInvalidConfig)
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
	return &Watcher{cfg: cfg, log: log, store: store, src: src}, nil
}

// Run ingests until the context is cancelled. Source unavailability is
// retried forever with bounded backoff: ingestion liveness wins over giving
// up.
func (w *Watcher) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		advanced, err := w.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			attempt++
			delay := w.cfg.Backoff.Delay(attempt)
			w.log.Error("ingest step failed", "err", err, "attempt", attempt, "retryIn", delay)
			if err := w.cfg.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		if !advanced {
			if err := w.cfg.Sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
		}
	}
}

// Step performs one ingestion round: reorg check, one batch of events, then
// checkpoint advance. It reports whether it made progress.
func (w *Watcher) Step(ctx context.Context) (bool, error) {
	tip, err := w.src.Height(ctx)
	if err != nil {
		return false, err
	}

	cur, haveCheckpoint, err := w.store.Checkpoint(ctx)
	if err != nil {
		return false, err
	}

	from := w.cfg.StartHeight
	if haveCheckpoint {
		rewound, err := w.checkReorg(ctx, cur)
		if err != nil {
			return false, err
		}
		if rewound {
			return true, nil
		}
		from = cur.Height + 1
	}

	if from > tip {
		return false, nil
	}
	to := from + w.cfg.BatchSize - 1
	if to > tip {
		to = tip
	}

	batch, err := w.src.Events(ctx, from, to)
	if err != nil {
		return false, err
	}

	for _, ev := range batch.Events {
		job, created, err := w.store.UpsertObserved(ctx, ev)
		if errors.Is(err, relay.ErrEventMismatch) {
			// Same identity, different payload: record and keep going.
			w.log.Error("conflicting re-delivery", "txID", fmt.Sprintf("%x", ev.SourceTxID), "logIndex", ev.SourceLogIndex)
			if err := w.store.RecordIngestError(ctx, ev.SourceHeight, ev.SourceTxID, ev.SourceLogIndex, "conflicting payload under same identity"); err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}
		if !created && job.State == relay.StateInvalidated {
			// The deposit reappeared after a reorg; put it back in flight.
			if err := w.store.Requeue(ctx, job.JobID); err != nil && !errors.Is(err, relay.ErrInvalidTransition) {
				return false, err
			}
			w.log.Info("requeued reorged deposit", "txID", fmt.Sprintf("%x", ev.SourceTxID), "logIndex", ev.SourceLogIndex)
		}
		if created {
			w.log.Info("observed deposit",
				"txID", fmt.Sprintf("%x", ev.SourceTxID),
				"logIndex", ev.SourceLogIndex,
				"height", ev.SourceHeight,
				"amount", ev.Amount,
			)
		}
	}
	for _, sk := range batch.Skipped {
		w.log.Error("skipped malformed log", "height", sk.Height, "txID", fmt.Sprintf("%x", sk.TxID), "reason", sk.Reason)
		if err := w.store.RecordIngestError(ctx, sk.Height, sk.TxID, sk.LogIndex, sk.Reason); err != nil {
			return false, err
		}
	}

	// Record block hashes for the scanned range so a later reorg can walk
	// back to the common ancestor.
	var tipHash [32]byte
	for h := from; h <= to; h++ {
		bh, err := w.src.BlockHash(ctx, h)
		if err != nil {
			return false, err
		}
		if err := w.store.SaveBlockHash(ctx, h, bh); err != nil {
			return false, err
		}
		tipHash = bh
	}

	// The checkpoint advances only after every event in the batch is durably
	// upserted.
	if err := w.store.SaveCheckpoint(ctx, relay.Cursor{Height: to, BlockHash: tipHash}); err != nil {
		return false, err
	}

	window := w.cfg.Confirmations * 2
	if window > 0 && to > window {
		if err := w.store.PruneBlockHashes(ctx, to-window); err != nil {
			return false, err
		}
	}
	return true, nil
}

// checkReorg compares the checkpointed block hash against the live chain.
// On mismatch it walks back to the common ancestor, invalidates every
// not-yet-confirmed job above it, and rewinds the checkpoint.
func (w *Watcher) checkReorg(ctx context.Context, cur relay.Cursor) (bool, error) {
	if cur.BlockHash == ([32]byte{}) {
		// Rewound past the retained hash window; nothing to compare against.
		return false, nil
	}
	live, err := w.src.BlockHash(ctx, cur.Height)
	if err == nil && live == cur.BlockHash {
		return false, nil
	}
	if err != nil && !errors.Is(err, source.ErrNotFound) {
		return false, err
	}

	ancestor, ancestorHash, err := w.findAncestor(ctx, cur.Height)
	if err != nil {
		return false, err
	}

	n, err := w.store.InvalidateAbove(ctx, ancestor)
	if err != nil {
		return false, err
	}
	if err := w.store.SaveCheckpoint(ctx, relay.Cursor{Height: ancestor, BlockHash: ancestorHash}); err != nil {
		return false, err
	}
	w.log.Warn("source reorg", "checkpoint", cur.Height, "ancestor", ancestor, "invalidated", n)
	return true, nil
}

func (w *Watcher) findAncestor(ctx context.Context, from uint64) (uint64, [32]byte, error) {
	for h := from; h > w.cfg.StartHeight; h-- {
		stored, ok, err := w.store.BlockHash(ctx, h)
		if err != nil {
			return 0, [32]byte{}, err
		}
		if !ok {
			// Reorg deeper than the retained hash window. Resume here with an
			// unknown hash; re-scanned events upsert idempotently.
			w.log.Warn("reorg deeper than retained hash window", "height", h)
			return h - 1, [32]byte{}, nil
		}
		live, err := w.src.BlockHash(ctx, h)
		if errors.Is(err, source.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, [32]byte{}, err
		}
		if live == stored {
			return h, stored, nil
		}
	}
	return w.cfg.StartHeight, [32]byte{}, nil
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
