package source

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veilbridge/relayer/internal/relay"
)

var ErrInvalidEVMConfig = errors.New("source: invalid evm config")

// DepositEventSignature is the vault contract event the relayer watches:
//
//	Deposited(address indexed depositor, uint256 amount, bytes32 recipient)
const DepositEventSignature = "Deposited(address,uint256,bytes32)"

var depositTopic = crypto.Keccak256Hash([]byte(DepositEventSignature))

// EVMBackend is the subset of ethclient.Client the EVM source uses.
type EVMBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EVMClient reads deposit events from a vault contract on an EVM chain.
type EVMClient struct {
	backend EVMBackend
	vault   common.Address
}

func NewEVMClient(backend EVMBackend, vault common.Address) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: nil backend", ErrInvalidEVMConfig)
	}
	if (vault == common.Address{}) {
		return nil, fmt.Errorf("%w: vault address must be non-zero", ErrInvalidEVMConfig)
	}
	return &EVMClient{backend: backend, vault: vault}, nil
}

func (c *EVMClient) Height(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (c *EVMClient) BlockHash(ctx context.Context, height uint64) ([32]byte, error) {
	if height > math.MaxInt64 {
		return [32]byte{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	header, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return [32]byte{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
		}
		return [32]byte{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if header == nil {
		return [32]byte{}, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	return [32]byte(header.Hash()), nil
}

func (c *EVMClient) Events(ctx context.Context, from, to uint64) (Batch, error) {
	if from > to {
		return Batch{}, nil
	}
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.vault},
		Topics:    [][]common.Hash{{depositTopic}},
	})
	if err != nil {
		return Batch{}, fmt.Errorf("%w: filter logs: %v", ErrUnavailable, err)
	}

	var out Batch
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := DecodeDepositLog(lg)
		if err != nil {
			out.Skipped = append(out.Skipped, SkippedLog{
				Height:   lg.BlockNumber,
				TxID:     [32]byte(lg.TxHash),
				LogIndex: uint32(lg.Index),
				Reason:   err.Error(),
			})
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// DecodeDepositLog decodes one Deposited log.
//
// Layout: topics[1] = depositor (left-padded address); data = amountBE32 ||
// recipient32.
func DecodeDepositLog(lg types.Log) (ev relay.DepositEvent, err error) {
	if len(lg.Topics) != 2 {
		return ev, fmt.Errorf("source: expected 2 topics, got %d", len(lg.Topics))
	}
	if lg.Topics[0] != depositTopic {
		return ev, fmt.Errorf("source: unexpected event topic %s", lg.Topics[0])
	}
	if len(lg.Data) != 64 {
		return ev, fmt.Errorf("source: expected 64 data bytes, got %d", len(lg.Data))
	}

	amount := new(big.Int).SetBytes(lg.Data[:32])
	if !amount.IsUint64() {
		return ev, fmt.Errorf("source: amount exceeds uint64")
	}
	if amount.Sign() == 0 {
		return ev, fmt.Errorf("source: zero amount")
	}

	ev.SourceTxID = [32]byte(lg.TxHash)
	ev.SourceLogIndex = uint32(lg.Index)
	ev.SourceHeight = lg.BlockNumber
	ev.SourceBlock = [32]byte(lg.BlockHash)
	ev.Depositor = [20]byte(common.BytesToAddress(lg.Topics[1][:]))
	ev.Amount = amount.Uint64()
	copy(ev.Recipient[:], lg.Data[32:64])
	return ev, nil
}

var _ Client = (*EVMClient)(nil)
