package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veilbridge/relayer/internal/relay"
)

var ErrInvalidConfig = errors.New("relay/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("relay/postgres: ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `
	job_id, source_tx_id, source_log_index, source_height, source_block_hash,
	depositor, amount, recipient, state,
	proof, submission_seq, submission_handle, dest_tx_id,
	proof_attempts, submit_attempts, last_error, next_retry_at,
	created_at, updated_at
`

func (s *Store) UpsertObserved(ctx context.Context, ev relay.DepositEvent) (relay.Job, bool, error) {
	if s == nil || s.pool == nil {
		return relay.Job{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if ev.Amount > math.MaxInt64 || ev.SourceHeight > math.MaxInt64 {
		return relay.Job{}, false, fmt.Errorf("%w: value out of range", relay.ErrEventMismatch)
	}

	jobID := relay.JobID(ev)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO relay_jobs (
			job_id, source_tx_id, source_log_index, source_height, source_block_hash,
			depositor, amount, recipient, state, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		ON CONFLICT (source_tx_id, source_log_index) DO NOTHING
	`, jobID[:], ev.SourceTxID[:], int64(ev.SourceLogIndex), int64(ev.SourceHeight), ev.SourceBlock[:],
		ev.Depositor[:], int64(ev.Amount), ev.Recipient[:], int16(relay.StateObserved))
	if err != nil {
		return relay.Job{}, false, fmt.Errorf("relay/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return relay.Job{}, false, err
		}
		return job, true, nil
	}

	job, err := s.GetByIdentity(ctx, ev.SourceTxID, ev.SourceLogIndex)
	if err != nil {
		return relay.Job{}, false, err
	}
	if job.Event.Depositor != ev.Depositor || job.Event.Amount != ev.Amount || job.Event.Recipient != ev.Recipient {
		return relay.Job{}, false, relay.ErrEventMismatch
	}
	if job.Event.SourceHeight != ev.SourceHeight || job.Event.SourceBlock != ev.SourceBlock {
		// The deposit re-landed at a different block after a reorg. Jobs that
		// have not proven against the old block follow the canonical chain;
		// later states are settled by invalidation, not by edits here.
		tag, err := s.pool.Exec(ctx, `
			UPDATE relay_jobs
			SET source_height = $2, source_block_hash = $3, updated_at = now()
			WHERE job_id = $1 AND state IN ($4, $5, $6)
		`, job.JobID[:], int64(ev.SourceHeight), ev.SourceBlock[:],
			int16(relay.StateObserved), int16(relay.StateProofPending), int16(relay.StateInvalidated))
		if err != nil {
			return relay.Job{}, false, fmt.Errorf("relay/postgres: refresh event: %w", err)
		}
		if tag.RowsAffected() == 1 {
			job.Event.SourceHeight = ev.SourceHeight
			job.Event.SourceBlock = ev.SourceBlock
		}
	}
	return job, false, nil
}

func (s *Store) Get(ctx context.Context, jobID [32]byte) (relay.Job, error) {
	if s == nil || s.pool == nil {
		return relay.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM relay_jobs WHERE job_id = $1`, jobID[:])
	return scanJob(row)
}

func (s *Store) GetByIdentity(ctx context.Context, txID [32]byte, logIndex uint32) (relay.Job, error) {
	if s == nil || s.pool == nil {
		return relay.Job{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM relay_jobs
		WHERE source_tx_id = $1 AND source_log_index = $2
	`, txID[:], int64(logIndex))
	return scanJob(row)
}

func (s *Store) ListByState(ctx context.Context, state relay.State, limit int) ([]relay.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM relay_jobs
		WHERE state = $1
		ORDER BY created_at ASC, job_id ASC
		LIMIT $2
	`, int16(state), limit)
}

func (s *Store) Checkpoint(ctx context.Context) (relay.Cursor, bool, error) {
	if s == nil || s.pool == nil {
		return relay.Cursor{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var (
		height  int64
		hashRaw []byte
	)
	err := s.pool.QueryRow(ctx, `SELECT height, block_hash FROM relay_checkpoint WHERE id = 1`).Scan(&height, &hashRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Cursor{}, false, nil
		}
		return relay.Cursor{}, false, fmt.Errorf("relay/postgres: checkpoint: %w", err)
	}
	h, err := to32(hashRaw)
	if err != nil {
		return relay.Cursor{}, false, err
	}
	return relay.Cursor{Height: uint64(height), BlockHash: h}, true, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cur relay.Cursor) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_checkpoint (id, height, block_hash, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE SET height = $1, block_hash = $2, updated_at = now()
	`, int64(cur.Height), cur.BlockHash[:])
	if err != nil {
		return fmt.Errorf("relay/postgres: save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) BlockHash(ctx context.Context, height uint64) ([32]byte, bool, error) {
	if s == nil || s.pool == nil {
		return [32]byte{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var hashRaw []byte
	err := s.pool.QueryRow(ctx, `SELECT block_hash FROM relay_block_hashes WHERE height = $1`, int64(height)).Scan(&hashRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return [32]byte{}, false, nil
		}
		return [32]byte{}, false, fmt.Errorf("relay/postgres: block hash: %w", err)
	}
	h, err := to32(hashRaw)
	if err != nil {
		return [32]byte{}, false, err
	}
	return h, true, nil
}

func (s *Store) SaveBlockHash(ctx context.Context, height uint64, hash [32]byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_block_hashes (height, block_hash)
		VALUES ($1, $2)
		ON CONFLICT (height) DO UPDATE SET block_hash = $2
	`, int64(height), hash[:])
	if err != nil {
		return fmt.Errorf("relay/postgres: save block hash: %w", err)
	}
	return nil
}

func (s *Store) PruneBlockHashes(ctx context.Context, below uint64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM relay_block_hashes WHERE height < $1`, int64(below))
	if err != nil {
		return fmt.Errorf("relay/postgres: prune block hashes: %w", err)
	}
	return nil
}

func (s *Store) InvalidateAbove(ctx context.Context, height uint64) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE source_height > $1 AND state NOT IN ($3, $2)
	`, int64(height), int16(relay.StateInvalidated), int16(relay.StateConfirmed))
	if err != nil {
		return 0, fmt.Errorf("relay/postgres: invalidate above: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RecordIngestError(ctx context.Context, height uint64, txID [32]byte, logIndex uint32, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_ingest_errors (source_height, source_tx_id, source_log_index, reason)
		VALUES ($1, $2, $3, $4)
	`, int64(height), txID[:], int64(logIndex), reason)
	if err != nil {
		return fmt.Errorf("relay/postgres: record ingest error: %w", err)
	}
	return nil
}

func (s *Store) ClaimForProving(ctx context.Context, owner string, ttl time.Duration, maxHeight uint64, now time.Time, limit int) ([]relay.Job, error) {
	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, nil
	}
	expiresAt := now.UTC().Add(ttl)
	return s.queryJobs(ctx, `
		WITH picked AS (
			SELECT job_id
			FROM relay_jobs
			WHERE
				(
					(state = $1 AND source_height <= $2)
					OR (state = $3 AND (next_retry_at IS NULL OR next_retry_at <= $6))
				)
				AND (claim_expires_at IS NULL OR claim_expires_at <= $6 OR claimed_by = $4)
			ORDER BY created_at ASC, job_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $5
		)
		UPDATE relay_jobs rj
		SET claimed_by = $4, claim_expires_at = $7, updated_at = now()
		FROM picked
		WHERE rj.job_id = picked.job_id
		RETURNING `+prefixedJobColumns("rj"),
		int16(relay.StateObserved), int64(maxHeight), int16(relay.StateProofPending),
		owner, limit, now.UTC(), expiresAt)
}

func (s *Store) MarkProofPending(ctx context.Context, jobID [32]byte, attempt int) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch {
	case job.State == relay.StateObserved || job.State == relay.StateProofPending:
	case job.State == relay.StateInvalidated:
		return relay.ErrInvalidTransition
	case job.State >= relay.StateProofReady:
		return nil
	default:
		return relay.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, proof_attempts = $3, updated_at = now()
		WHERE job_id = $1 AND state IN ($4, $2)
	`, jobID[:], int16(relay.StateProofPending), attempt, int16(relay.StateObserved))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark proof pending: %w", err)
	}
	return nil
}

func (s *Store) SetProofReady(ctx context.Context, jobID [32]byte, proof []byte) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State >= relay.StateProofReady && job.State != relay.StateInvalidated {
		return nil
	}
	if job.State != relay.StateProofPending {
		return relay.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, proof = $3, last_error = '', next_retry_at = NULL,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state = $4
	`, jobID[:], int16(relay.StateProofReady), proof, int16(relay.StateProofPending))
	if err != nil {
		return fmt.Errorf("relay/postgres: set proof ready: %w", err)
	}
	return nil
}

func (s *Store) MarkProofRetry(ctx context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET proof_attempts = $2, last_error = $3, next_retry_at = $4,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state = $5
	`, jobID[:], attempt, lastErr, nextAt.UTC(), int16(relay.StateProofPending))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark proof retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

func (s *Store) ClaimForSubmission(ctx context.Context, owner string, ttl time.Duration, limit int) ([]relay.Job, error) {
	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, nil
	}
	expiresAt := time.Now().UTC().Add(ttl)
	return s.queryJobs(ctx, `
		WITH picked AS (
			SELECT job_id
			FROM relay_jobs
			WHERE state = $1
				AND (next_retry_at IS NULL OR next_retry_at <= now())
				AND (claim_expires_at IS NULL OR claim_expires_at <= now() OR claimed_by = $2)
			ORDER BY created_at ASC, job_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE relay_jobs rj
		SET claimed_by = $2, claim_expires_at = $4, updated_at = now()
		FROM picked
		WHERE rj.job_id = picked.job_id
		RETURNING `+prefixedJobColumns("rj"),
		int16(relay.StateProofReady), owner, limit, expiresAt)
}

func (s *Store) MarkSubmissionPending(ctx context.Context, jobID [32]byte, seq uint64, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, submission_seq = $3, submit_attempts = $4, updated_at = now()
		WHERE job_id = $1 AND state IN ($5, $2)
	`, jobID[:], int16(relay.StateSubmissionPending), int64(seq), attempt, int16(relay.StateProofReady))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark submission pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

func (s *Store) SetSubmissionHandle(ctx context.Context, jobID [32]byte, handle [32]byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET submission_handle = $2, updated_at = now()
		WHERE job_id = $1 AND state = $3
	`, jobID[:], handle[:], int16(relay.StateSubmissionPending))
	if err != nil {
		return fmt.Errorf("relay/postgres: set submission handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

func (s *Store) MarkSubmissionRetry(ctx context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $5, submit_attempts = $2, last_error = $3, next_retry_at = $4,
			submission_handle = NULL, claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state = $6
	`, jobID[:], attempt, lastErr, nextAt.UTC(), int16(relay.StateProofReady), int16(relay.StateSubmissionPending))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark submission retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

func (s *Store) MarkConfirmed(ctx context.Context, jobID [32]byte, destTxID [32]byte) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == relay.StateConfirmed {
		if job.DestTxID != destTxID {
			return relay.ErrDestTxMismatch
		}
		return nil
	}
	if job.State != relay.StateSubmissionPending {
		return relay.ErrInvalidTransition
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, dest_tx_id = $3, last_error = '', next_retry_at = NULL,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state = $4 AND dest_tx_id IS NULL
	`, jobID[:], int16(relay.StateConfirmed), destTxID[:], int16(relay.StateSubmissionPending))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark confirmed: %w", err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, jobID [32]byte, reason string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == relay.StateConfirmed {
		return relay.ErrInvalidTransition
	}
	if job.State == relay.StateFailed {
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, last_error = $3,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state NOT IN ($4, $2)
	`, jobID[:], int16(relay.StateFailed), reason, int16(relay.StateConfirmed))
	if err != nil {
		return fmt.Errorf("relay/postgres: mark failed: %w", err)
	}
	return nil
}

func (s *Store) ListSubmittedBefore(ctx context.Context, cutoff time.Time, limit int) ([]relay.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM relay_jobs
		WHERE state = $1 AND updated_at <= $2
		ORDER BY updated_at ASC, job_id ASC
		LIMIT $3
	`, int16(relay.StateSubmissionPending), cutoff.UTC(), limit)
}

func (s *Store) Requeue(ctx context.Context, jobID [32]byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs
		SET state = $2, proof = NULL, submission_handle = NULL,
			last_error = '', next_retry_at = NULL,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = now()
		WHERE job_id = $1 AND state = $3
	`, jobID[:], int16(relay.StateObserved), int16(relay.StateInvalidated))
	if err != nil {
		return fmt.Errorf("relay/postgres: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

func (s *Store) ListUnalertedFailed(ctx context.Context, cutoff time.Time, limit int) ([]relay.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM relay_jobs
		WHERE state = $1 AND updated_at <= $2 AND alerted_at IS NULL
		ORDER BY updated_at ASC, job_id ASC
		LIMIT $3
	`, int16(relay.StateFailed), cutoff.UTC(), limit)
}

func (s *Store) MarkAlerted(ctx context.Context, jobID [32]byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relay_jobs SET alerted_at = now() WHERE job_id = $1
	`, jobID[:])
	if err != nil {
		return fmt.Errorf("relay/postgres: mark alerted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return relay.ErrNotFound
	}
	return nil
}

// missingOrInvalid distinguishes "no such job" from "guard rejected the
// transition" after a zero-row conditional update.
func (s *Store) missingOrInvalid(ctx context.Context, jobID [32]byte) error {
	if _, err := s.Get(ctx, jobID); err != nil {
		return err
	}
	return relay.ErrInvalidTransition
}

func (s *Store) queryJobs(ctx context.Context, sql string, args ...any) ([]relay.Job, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("relay/postgres: query jobs: %w", err)
	}
	defer rows.Close()

	var out []relay.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("relay/postgres: job rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (relay.Job, error) {
	var (
		jobIDRaw     []byte
		txIDRaw      []byte
		logIndex     int64
		height       int64
		blockHashRaw []byte
		depositorRaw []byte
		amount       int64
		recipientRaw []byte
		state        int16

		proof     []byte
		seq       *int64
		handleRaw []byte
		destTxRaw []byte

		proofAttempts  int32
		submitAttempts int32
		lastError      string
		nextRetryAt    *time.Time

		createdAt time.Time
		updatedAt time.Time
	)

	err := row.Scan(
		&jobIDRaw, &txIDRaw, &logIndex, &height, &blockHashRaw,
		&depositorRaw, &amount, &recipientRaw, &state,
		&proof, &seq, &handleRaw, &destTxRaw,
		&proofAttempts, &submitAttempts, &lastError, &nextRetryAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Job{}, relay.ErrNotFound
		}
		return relay.Job{}, fmt.Errorf("relay/postgres: scan job: %w", err)
	}

	jobID, err := to32(jobIDRaw)
	if err != nil {
		return relay.Job{}, err
	}
	txID, err := to32(txIDRaw)
	if err != nil {
		return relay.Job{}, err
	}
	blockHash, err := to32(blockHashRaw)
	if err != nil {
		return relay.Job{}, err
	}
	depositor, err := to20(depositorRaw)
	if err != nil {
		return relay.Job{}, err
	}
	recipient, err := to32(recipientRaw)
	if err != nil {
		return relay.Job{}, err
	}
	if logIndex < 0 || height < 0 || amount < 0 {
		return relay.Job{}, fmt.Errorf("relay/postgres: negative values in db")
	}

	job := relay.Job{
		JobID: jobID,
		Event: relay.DepositEvent{
			SourceTxID:     txID,
			SourceLogIndex: uint32(logIndex),
			SourceHeight:   uint64(height),
			SourceBlock:    blockHash,
			Depositor:      depositor,
			Amount:         uint64(amount),
			Recipient:      recipient,
		},
		State:          relay.State(state),
		ProofAttempts:  int(proofAttempts),
		SubmitAttempts: int(submitAttempts),
		LastError:      lastError,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if proof != nil {
		job.Proof = append([]byte(nil), proof...)
	}
	if seq != nil && *seq >= 0 {
		job.SubmissionSeq = uint64(*seq)
	}
	if handleRaw != nil {
		h, err := to32(handleRaw)
		if err != nil {
			return relay.Job{}, err
		}
		job.SubmissionHandle = h
	}
	if destTxRaw != nil {
		h, err := to32(destTxRaw)
		if err != nil {
			return relay.Job{}, err
		}
		job.DestTxID = h
	}
	if nextRetryAt != nil {
		job.NextRetryAt = *nextRetryAt
	}
	return job, nil
}

func prefixedJobColumns(alias string) string {
	return alias + `.job_id, ` + alias + `.source_tx_id, ` + alias + `.source_log_index, ` +
		alias + `.source_height, ` + alias + `.source_block_hash, ` + alias + `.depositor, ` +
		alias + `.amount, ` + alias + `.recipient, ` + alias + `.state, ` + alias + `.proof, ` +
		alias + `.submission_seq, ` + alias + `.submission_handle, ` + alias + `.dest_tx_id, ` +
		alias + `.proof_attempts, ` + alias + `.submit_attempts, ` + alias + `.last_error, ` +
		alias + `.next_retry_at, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("relay/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("relay/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ relay.Store = (*Store)(nil)
