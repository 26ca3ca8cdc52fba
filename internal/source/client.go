// Package source abstracts the source-chain event log the relayer ingests
// from: an ordered, re-playable sequence of deposit events, restartable from
// any height.
package source

import (
	"context"
	"errors"

	"github.com/veilbridge/relayer/internal/relay"
)

var (
	ErrNotFound    = errors.New("source: not found")
	ErrUnavailable = errors.New("source: unavailable")
)

// SkippedLog records a log that matched the deposit filter but could not be
// decoded. The watcher persists these instead of halting ingestion.
type SkippedLog struct {
	Height   uint64
	TxID     [32]byte
	LogIndex uint32
	Reason   string
}

// Batch is one finite page of the event log.
type Batch struct {
	Events  []relay.DepositEvent
	Skipped []SkippedLog
}

// Client is the consumed source-chain interface.
//
// Events returns every deposit event in [from, to], inclusive, in log order.
// BlockHash fails with ErrNotFound when the height is unknown or pruned.
type Client interface {
	Height(ctx context.Context) (uint64, error)
	BlockHash(ctx context.Context, height uint64) ([32]byte, error)
	Events(ctx context.Context, from, to uint64) (Batch, error)
}
