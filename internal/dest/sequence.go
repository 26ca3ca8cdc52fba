package dest

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingSequencer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// SequenceManager provides process-local, concurrency-safe sequence
// allocation for the relayer account.
//
// It must not decrease its notion of "next sequence" on Resync, to avoid
// reuse when callers have already reserved sequences locally but not yet
// broadcast transactions.
type SequenceManager struct {
	backend PendingSequencer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewSequenceManager(backend PendingSequencer, addr common.Address) *SequenceManager {
	return &SequenceManager{
		backend: backend,
		addr:    addr,
	}
}

// Next returns the next sequence and increments the internal counter.
func (m *SequenceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Resync refreshes the next sequence from the backend, but never decreases
// it. The returned value is the backend's current pending sequence.
func (m *SequenceManager) Resync(ctx context.Context) (uint64, error) {
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.have || n > m.next {
		m.next = n
		m.have = true
	}
	return n, nil
}
