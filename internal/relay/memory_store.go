package relay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process
// local runs. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	jobs  map[[32]byte]Job
	order [][32]byte

	identity map[identityKey][32]byte

	claims  map[[32]byte]claim
	alerted map[[32]byte]struct{}

	cursor    Cursor
	hasCursor bool
	hashes    map[uint64][32]byte

	ingestErrors []IngestError
}

type identityKey struct {
	txID     [32]byte
	logIndex uint32
}

type claim struct {
	owner     string
	expiresAt time.Time
}

// IngestError is a persisted record of a malformed source log that was
// skipped during ingestion.
type IngestError struct {
	Height   uint64
	TxID     [32]byte
	LogIndex uint32
	Reason   string
	At       time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		jobs:     make(map[[32]byte]Job),
		identity: make(map[identityKey][32]byte),
		claims:   make(map[[32]byte]claim),
		alerted:  make(map[[32]byte]struct{}),
		hashes:   make(map[uint64][32]byte),
	}
}

func (s *MemoryStore) UpsertObserved(_ context.Context, ev DepositEvent) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey{txID: ev.SourceTxID, logIndex: ev.SourceLogIndex}
	if id, ok := s.identity[key]; ok {
		j := s.jobs[id]
		if !sameEvent(j.Event, ev) {
			return Job{}, false, ErrEventMismatch
		}
		if eventRefreshable(j.State) && (j.Event.SourceHeight != ev.SourceHeight || j.Event.SourceBlock != ev.SourceBlock) {
			// The deposit re-landed at a different block after a reorg; any
			// proof must attest to the canonical one.
			j.Event.SourceHeight = ev.SourceHeight
			j.Event.SourceBlock = ev.SourceBlock
			j.UpdatedAt = s.now().UTC()
			s.jobs[id] = j
		}
		return cloneJob(j), false, nil
	}

	now := s.now().UTC()
	j := Job{
		JobID:     JobID(ev),
		Event:     ev,
		State:     StateObserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.JobID] = j
	s.identity[key] = j.JobID
	s.order = append(s.order, j.JobID)
	return cloneJob(j), true, nil
}

func (s *MemoryStore) Checkpoint(_ context.Context) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, s.hasCursor, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cur Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cur
	s.hasCursor = true
	return nil
}

func (s *MemoryStore) BlockHash(_ context.Context, height uint64) ([32]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[height]
	return h, ok, nil
}

func (s *MemoryStore) SaveBlockHash(_ context.Context, height uint64, hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[height] = hash
	return nil
}

func (s *MemoryStore) PruneBlockHashes(_ context.Context, below uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.hashes {
		if h < below {
			delete(s.hashes, h)
		}
	}
	return nil
}

func (s *MemoryStore) InvalidateAbove(_ context.Context, height uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Event.SourceHeight <= height {
			continue
		}
		if j.State == StateConfirmed || j.State == StateInvalidated {
			continue
		}
		j.State = StateInvalidated
		j.UpdatedAt = s.now().UTC()
		s.jobs[id] = j
		delete(s.claims, id)
		n++
	}
	return n, nil
}

func (s *MemoryStore) RecordIngestError(_ context.Context, height uint64, txID [32]byte, logIndex uint32, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestErrors = append(s.ingestErrors, IngestError{
		Height:   height,
		TxID:     txID,
		LogIndex: logIndex,
		Reason:   reason,
		At:       s.now().UTC(),
	})
	return nil
}

// IngestErrors returns recorded skip records; test helper.
func (s *MemoryStore) IngestErrors() []IngestError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IngestError(nil), s.ingestErrors...)
}

func (s *MemoryStore) Get(_ context.Context, jobID [32]byte) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) GetByIdentity(_ context.Context, txID [32]byte, logIndex uint32) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identity[identityKey{txID: txID, logIndex: logIndex}]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != state {
			continue
		}
		out = append(out, cloneJob(j))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimForProving(_ context.Context, owner string, ttl time.Duration, maxHeight uint64, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, nil
	}

	out := make([]Job, 0, limit)
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		j := s.jobs[id]
		switch j.State {
		case StateObserved:
			if j.Event.SourceHeight > maxHeight {
				continue
			}
		case StateProofPending:
			if j.NextRetryAt.After(now) {
				continue
			}
		default:
			continue
		}
		if !s.claimable(id, owner, now) {
			continue
		}
		s.claims[id] = claim{owner: owner, expiresAt: now.Add(ttl)}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *MemoryStore) MarkProofPending(_ context.Context, jobID [32]byte, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateObserved && j.State != StateProofPending {
		if j.State >= StateProofReady && j.State != StateInvalidated {
			return nil
		}
		return ErrInvalidTransition
	}
	j.State = StateProofPending
	j.ProofAttempts = attempt
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	return nil
}

func (s *MemoryStore) SetProofReady(_ context.Context, jobID [32]byte, proof []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State >= StateProofReady && j.State != StateInvalidated {
		return nil
	}
	if j.State != StateProofPending {
		return ErrInvalidTransition
	}
	j.State = StateProofReady
	j.Proof = append([]byte(nil), proof...)
	j.LastError = ""
	j.NextRetryAt = time.Time{}
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) MarkProofRetry(_ context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateProofPending {
		return ErrInvalidTransition
	}
	j.ProofAttempts = attempt
	j.LastError = lastErr
	j.NextRetryAt = nextAt
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) ClaimForSubmission(_ context.Context, owner string, ttl time.Duration, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner == "" || ttl <= 0 || limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		if len(out) == limit {
			break
		}
		j := s.jobs[id]
		if j.State != StateProofReady {
			continue
		}
		if !j.NextRetryAt.IsZero() && j.NextRetryAt.After(now) {
			continue
		}
		if !s.claimable(id, owner, now) {
			continue
		}
		s.claims[id] = claim{owner: owner, expiresAt: now.Add(ttl)}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *MemoryStore) MarkSubmissionPending(_ context.Context, jobID [32]byte, seq uint64, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State >= StateConfirmed {
		return ErrInvalidTransition
	}
	if j.State != StateProofReady && j.State != StateSubmissionPending {
		return ErrInvalidTransition
	}
	j.State = StateSubmissionPending
	j.SubmissionSeq = seq
	j.SubmitAttempts = attempt
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	return nil
}

func (s *MemoryStore) SetSubmissionHandle(_ context.Context, jobID [32]byte, handle [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateSubmissionPending {
		return ErrInvalidTransition
	}
	j.SubmissionHandle = handle
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	return nil
}

func (s *MemoryStore) MarkSubmissionRetry(_ context.Context, jobID [32]byte, attempt int, lastErr string, nextAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateSubmissionPending {
		return ErrInvalidTransition
	}
	j.SubmitAttempts = attempt
	j.LastError = lastErr
	j.NextRetryAt = nextAt
	j.SubmissionHandle = [32]byte{}
	j.State = StateProofReady
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) MarkConfirmed(_ context.Context, jobID [32]byte, destTxID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State == StateConfirmed {
		if j.DestTxID != destTxID {
			return ErrDestTxMismatch
		}
		return nil
	}
	if j.State != StateSubmissionPending {
		return ErrInvalidTransition
	}
	j.State = StateConfirmed
	j.DestTxID = destTxID
	j.LastError = ""
	j.NextRetryAt = time.Time{}
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, jobID [32]byte, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State == StateConfirmed {
		return ErrInvalidTransition
	}
	if j.State == StateFailed {
		return nil
	}
	j.State = StateFailed
	j.LastError = reason
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) ListSubmittedBefore(_ context.Context, cutoff time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != StateSubmissionPending || j.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneJob(j))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, jobID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateInvalidated {
		return ErrInvalidTransition
	}
	j.State = StateObserved
	j.Proof = nil
	j.SubmissionHandle = [32]byte{}
	j.LastError = ""
	j.NextRetryAt = time.Time{}
	j.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = j
	delete(s.claims, jobID)
	return nil
}

func (s *MemoryStore) ListUnalertedFailed(_ context.Context, cutoff time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Job, 0, limit)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State != StateFailed || j.UpdatedAt.After(cutoff) {
			continue
		}
		if _, ok := s.alerted[id]; ok {
			continue
		}
		out = append(out, cloneJob(j))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkAlerted(_ context.Context, jobID [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	s.alerted[jobID] = struct{}{}
	return nil
}

func (s *MemoryStore) claimable(id [32]byte, owner string, now time.Time) bool {
	c, ok := s.claims[id]
	if !ok {
		return true
	}
	return c.owner == owner || !c.expiresAt.After(now)
}

// eventRefreshable reports whether a job's source coordinates may still move
// with the chain: nothing proven against the old block survives the refresh.
func eventRefreshable(st State) bool {
	return st == StateObserved || st == StateProofPending || st == StateInvalidated
}

func sameEvent(a, b DepositEvent) bool {
	// The block hash may legitimately differ after a reorg rewound and
	// replayed the same deposit; identity and payload must match.
	a.SourceBlock = [32]byte{}
	b.SourceBlock = [32]byte{}
	a.SourceHeight = 0
	b.SourceHeight = 0
	return a == b
}

func cloneJob(j Job) Job {
	if j.Proof != nil {
		j.Proof = append([]byte(nil), j.Proof...)
	}
	return j
}

var _ Store = (*MemoryStore)(nil)
