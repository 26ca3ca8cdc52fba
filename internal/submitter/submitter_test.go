package submitter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilbridge/relayer/internal/backoff"
	"github.com/veilbridge/relayer/internal/dest"
	"github.com/veilbridge/relayer/internal/proofarchive"
	"github.com/veilbridge/relayer/internal/relay"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *clock) Sleep(_ context.Context, d time.Duration) error {
	c.Advance(d)
	return nil
}

type fakeDest struct {
	mu sync.Mutex

	seq         uint64
	submitErrs  []error
	submissions []dest.Submission
	handles     [][32]byte
	statuses    map[[32]byte]dest.Receipt

	// defaultState is reported for handles with no scripted receipt.
	defaultState dest.ReceiptState

	// minedOnConflict, when set, is installed as the receipt for its TxID the
	// moment Submit reports a sequencing conflict: the slot was consumed
	// because the earlier broadcast at that sequence mined.
	minedOnConflict *dest.Receipt
}

func newFakeDest() *fakeDest {
	return &fakeDest{
		statuses:     make(map[[32]byte]dest.Receipt),
		defaultState: dest.ReceiptConfirmed,
	}
}

func (d *fakeDest) AccountSequence(_ context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq, nil
}

func (d *fakeDest) Submit(_ context.Context, sub dest.Submission) ([32]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.submitErrs) > 0 {
		err := d.submitErrs[0]
		d.submitErrs = d.submitErrs[1:]
		if err != nil {
			if errors.Is(err, dest.ErrSequencingConflict) && d.minedOnConflict != nil {
				d.statuses[d.minedOnConflict.TxID] = *d.minedOnConflict
			}
			return [32]byte{}, err
		}
	}
	d.submissions = append(d.submissions, sub)
	var handle [32]byte
	handle[0] = 0xf0
	handle[1] = byte(len(d.submissions))
	d.handles = append(d.handles, handle)
	if sub.Sequence >= d.seq {
		d.seq = sub.Sequence + 1
	}
	return handle, nil
}

func (d *fakeDest) Status(_ context.Context, handle [32]byte) (dest.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.statuses[handle]; ok {
		return rec, nil
	}
	switch d.defaultState {
	case dest.ReceiptConfirmed:
		return dest.Receipt{State: dest.ReceiptConfirmed, TxID: handle, Height: 42}, nil
	case dest.ReceiptRejected:
		return dest.Receipt{State: dest.ReceiptRejected, Reason: "reverted on chain"}, nil
	default:
		return dest.Receipt{State: dest.ReceiptPending}, nil
	}
}

func readyJob(t *testing.T, store relay.Store, clk *clock, tag byte) relay.Job {
	t.Helper()
	ctx := context.Background()
	var ev relay.DepositEvent
	ev.SourceTxID[0] = tag
	ev.SourceHeight = 10
	ev.Depositor[0] = 0xdd
	ev.Amount = 250
	ev.Recipient[0] = 0xcc
	job, _, err := store.UpsertObserved(ctx, ev)
	if err != nil {
		t.Fatalf("UpsertObserved: %v", err)
	}
	if _, err := store.ClaimForProving(ctx, "setup", time.Minute, 1000, clk.Now(), 100); err != nil {
		t.Fatalf("ClaimForProving: %v", err)
	}
	if err := store.MarkProofPending(ctx, job.JobID, 1); err != nil {
		t.Fatalf("MarkProofPending: %v", err)
	}
	if err := store.SetProofReady(ctx, job.JobID, []byte{0xab, byte(tag)}); err != nil {
		t.Fatalf("SetProofReady: %v", err)
	}
	got, err := store.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return got
}

func newTestSubmitter(t *testing.T, store relay.Store, dc dest.Client, clk *clock) *Submitter {
	t.Helper()
	pol, err := backoff.New(time.Second, 8*time.Second)
	if err != nil {
		t.Fatalf("backoff.New: %v", err)
	}
	s, err := New(Config{
		Owner:               "test-submitter",
		ClaimTTL:            time.Minute,
		BatchSize:           4,
		MaxAttempts:         3,
		WaitMined:           10 * time.Second,
		ReceiptPollInterval: time.Second,
		ReplaceAfter:        30 * time.Second,
		PollInterval:        time.Second,
		Backoff:             pol,
		Now:                 clk.Now,
		Sleep:               clk.Sleep,
	}, store, dc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSubmitter_ConfirmsRelay(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.seq = 9
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x01)

	n, err := s.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n != 1 {
		t.Fatalf("handled %d, want 1", n)
	}

	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got.State)
	}
	if got.SubmissionSeq != 9 {
		t.Fatalf("sequence = %d, want 9", got.SubmissionSeq)
	}
	if got.DestTxID == ([32]byte{}) {
		t.Fatalf("destination tx not recorded")
	}
	if len(dc.submissions) != 1 || dc.submissions[0].Sequence != 9 {
		t.Fatalf("submissions: %+v", dc.submissions)
	}
	if len(dc.submissions[0].PublicInput) == 0 {
		t.Fatalf("empty public input submitted")
	}
}

func TestSubmitter_ArchivesConfirmedRelay(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	archive, err := proofarchive.New(proofarchive.Config{Driver: proofarchive.DriverMemory})
	if err != nil {
		t.Fatalf("proofarchive.New: %v", err)
	}
	pol, err := backoff.New(time.Second, 8*time.Second)
	if err != nil {
		t.Fatalf("backoff.New: %v", err)
	}
	s, err := New(Config{
		Owner:       "test-submitter",
		BatchSize:   4,
		MaxAttempts: 3,
		Backoff:     pol,
		Archive:     archive,
		Now:         clk.Now,
		Sleep:       clk.Sleep,
	}, store, dc, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x0a)
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got.State)
	}
	rec, err := archive.Get(ctx, job.JobID)
	if err != nil {
		t.Fatalf("archive.Get: %v", err)
	}
	if len(rec.Proof) == 0 || len(rec.PublicInput) == 0 {
		t.Fatalf("archived record incomplete: %+v", rec)
	}
	if rec.DestTxID != got.DestTxID {
		t.Fatalf("archived dest tx %x, want %x", rec.DestTxID, got.DestTxID)
	}
}

func TestSubmitter_RejectionFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.submitErrs = []error{&dest.RejectedError{Reason: "invalid proof"}}
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x02)

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateFailed {
		t.Fatalf("state = %v, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "invalid proof") {
		t.Fatalf("lastError = %q", got.LastError)
	}
	if len(dc.submissions) != 0 {
		t.Fatalf("rejected submission was recorded as sent")
	}

	// A failed job must never be retried.
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ = store.Get(ctx, job.JobID)
	if got.SubmitAttempts != 1 {
		t.Fatalf("attempts = %d after second step, want 1", got.SubmitAttempts)
	}
}

func TestSubmitter_TransientFailureRetriesThenExhausts(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	transient := dest.ErrUnavailable
	dc.submitErrs = []error{transient, transient, transient}
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x03)

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateProofReady {
		t.Fatalf("state = %v after transient failure, want proof ready", got.State)
	}
	if got.SubmitAttempts != 1 || got.NextRetryAt.IsZero() {
		t.Fatalf("retry record: attempts=%d nextRetryAt=%v", got.SubmitAttempts, got.NextRetryAt)
	}

	// Not claimable again until the backoff expires.
	n, err := s.Step(ctx)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n != 0 {
		t.Fatalf("retry dispatched before backoff expiry")
	}

	for i := 0; i < 2; i++ {
		clk.Advance(20 * time.Second)
		if _, err := s.Step(ctx); err != nil {
			t.Fatalf("Step retry %d: %v", i, err)
		}
	}
	got, _ = store.Get(ctx, job.JobID)
	if got.State != relay.StateFailed {
		t.Fatalf("state = %v after exhausted attempts, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "exhausted") {
		t.Fatalf("lastError = %q", got.LastError)
	}
}

func TestSubmitter_SequenceConflictRetriesWithFreshSequence(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.seq = 5
	dc.submitErrs = []error{dest.ErrSequencingConflict}
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x04)

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateProofReady {
		t.Fatalf("state = %v after conflict, want proof ready", got.State)
	}

	dc.mu.Lock()
	dc.seq = 6
	dc.mu.Unlock()
	clk.Advance(20 * time.Second)
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ = store.Get(ctx, job.JobID)
	if got.State != relay.StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got.State)
	}
	if got.SubmissionSeq != 6 {
		t.Fatalf("sequence = %d, want resynced 6", got.SubmissionSeq)
	}
}

func TestSubmitter_UnminedParksForReconciler(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.defaultState = dest.ReceiptPending
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	first := readyJob(t, store, clk, 0x05)
	second := readyJob(t, store, clk, 0x06)

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// The first submission is parked unmined; the second must not have been
	// broadcast past it.
	gotFirst, _ := store.Get(ctx, first.JobID)
	if gotFirst.State != relay.StateSubmissionPending {
		t.Fatalf("first state = %v, want submission pending", gotFirst.State)
	}
	gotSecond, _ := store.Get(ctx, second.JobID)
	if gotSecond.State != relay.StateProofReady {
		t.Fatalf("second state = %v, want still proof ready", gotSecond.State)
	}
	if len(dc.submissions) != 1 {
		t.Fatalf("broadcast %d submissions, want 1", len(dc.submissions))
	}

	// Once the first is mined, the pipeline moves on.
	dc.mu.Lock()
	dc.defaultState = dest.ReceiptConfirmed
	dc.statuses[dc.handles[0]] = dest.Receipt{State: dest.ReceiptConfirmed, TxID: dc.handles[0], Height: 50}
	dc.mu.Unlock()

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	gotFirst, _ = store.Get(ctx, first.JobID)
	gotSecond, _ = store.Get(ctx, second.JobID)
	if gotFirst.State != relay.StateConfirmed || gotSecond.State != relay.StateConfirmed {
		t.Fatalf("states = %v/%v, want confirmed/confirmed", gotFirst.State, gotSecond.State)
	}
}

func TestSubmitter_HoldsNextSlotWhileOutcomeUnknown(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.defaultState = dest.ReceiptPending
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	first := readyJob(t, store, clk, 0x08)
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	gotFirst, _ := store.Get(ctx, first.JobID)
	if gotFirst.State != relay.StateSubmissionPending {
		t.Fatalf("first state = %v, want submission pending", gotFirst.State)
	}

	// A job that becomes ready while the first slot's outcome is unknown must
	// wait, even across steps.
	second := readyJob(t, store, clk, 0x09)
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	gotSecond, _ := store.Get(ctx, second.JobID)
	if gotSecond.State != relay.StateProofReady {
		t.Fatalf("second state = %v, want still proof ready", gotSecond.State)
	}
	if len(dc.submissions) != 1 {
		t.Fatalf("broadcast %d submissions with slot 0 unresolved, want 1", len(dc.submissions))
	}

	dc.mu.Lock()
	dc.statuses[dc.handles[0]] = dest.Receipt{State: dest.ReceiptConfirmed, TxID: dc.handles[0], Height: 50}
	dc.mu.Unlock()

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	gotFirst, _ = store.Get(ctx, first.JobID)
	gotSecond, _ = store.Get(ctx, second.JobID)
	if gotFirst.State != relay.StateConfirmed {
		t.Fatalf("first state = %v, want confirmed", gotFirst.State)
	}
	if gotSecond.State != relay.StateSubmissionPending {
		t.Fatalf("second state = %v, want submission pending after slot 0 resolved", gotSecond.State)
	}
	if len(dc.submissions) != 2 {
		t.Fatalf("broadcast %d submissions, want 2", len(dc.submissions))
	}
}

func TestSubmitter_SettlesFromEarlierBroadcastOnSequenceConflict(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	dc.defaultState = dest.ReceiptPending
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x0b)
	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateSubmissionPending {
		t.Fatalf("state = %v, want submission pending", got.State)
	}

	// The replacement hits a consumed sequence because the first broadcast
	// just mined. The job must settle from that receipt, not resubmit at a
	// fresh sequence.
	dc.mu.Lock()
	dc.submitErrs = []error{dest.ErrSequencingConflict}
	dc.minedOnConflict = &dest.Receipt{State: dest.ReceiptConfirmed, TxID: dc.handles[0], Height: 77}
	dc.mu.Unlock()
	clk.Advance(30 * time.Second)

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ = store.Get(ctx, job.JobID)
	if got.State != relay.StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got.State)
	}
	if got.DestTxID != dc.handles[0] {
		t.Fatalf("dest tx %x, want the first broadcast %x", got.DestTxID, dc.handles[0])
	}
	if len(dc.submissions) != 1 {
		t.Fatalf("broadcast %d submissions, want only the original", len(dc.submissions))
	}
}

func TestSubmitter_RecoversCrashBeforeBroadcast(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := relay.NewMemoryStore(clk.Now)
	dc := newFakeDest()
	s := newTestSubmitter(t, store, dc, clk)
	ctx := context.Background()

	job := readyJob(t, store, clk, 0x07)

	// Simulate a crash between sequence persistence and broadcast.
	if err := store.MarkSubmissionPending(ctx, job.JobID, 17, 1); err != nil {
		t.Fatalf("MarkSubmissionPending: %v", err)
	}

	if _, err := s.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	got, _ := store.Get(ctx, job.JobID)
	if got.State != relay.StateConfirmed {
		t.Fatalf("state = %v, want confirmed", got.State)
	}
	if len(dc.submissions) != 1 || dc.submissions[0].Sequence != 17 {
		t.Fatalf("recovery must reuse the stored sequence: %+v", dc.submissions)
	}
}
