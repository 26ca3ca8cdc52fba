package dest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/veilbridge/relayer/internal/vaultabi"
)

type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type EVMConfig struct {
	ChainID      *big.Int
	VaultAddress common.Address

	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int
}

// EVMClient submits relayDeposit transactions to the vault contract. It
// remembers the fees used per sequence so that re-submitting the same
// sequence produces a valid replacement instead of an underpriced duplicate.
type EVMClient struct {
	backend Backend
	signer  Signer
	cfg     EVMConfig
	seq     *SequenceManager

	mu       sync.Mutex
	lastFees map[uint64]feePair
}

type feePair struct {
	tipCap *big.Int
	feeCap *big.Int
}

func NewEVMClient(backend Backend, signer Signer, cfg EVMConfig) (*EVMClient, error) {
	if backend == nil || signer == nil {
		return nil, fmt.Errorf("%w: nil backend/signer", ErrInvalidConfig)
	}
	if (signer.Address() == common.Address{}) {
		return nil, fmt.Errorf("%w: signer has zero address", ErrInvalidConfig)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: ChainID must be positive", ErrInvalidConfig)
	}
	if (cfg.VaultAddress == common.Address{}) {
		return nil, fmt.Errorf("%w: VaultAddress must be non-zero", ErrInvalidConfig)
	}
	if cfg.GasLimitMultiplier <= 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.MinTipCap == nil {
		cfg.MinTipCap = big.NewInt(0)
	}
	if cfg.MinTipCap.Sign() < 0 {
		return nil, fmt.Errorf("%w: MinTipCap must be >= 0", ErrInvalidConfig)
	}
	if cfg.ReplacementBumpPercent <= 0 {
		cfg.ReplacementBumpPercent = 15
	}
	if cfg.MinReplacementTipBump == nil {
		cfg.MinReplacementTipBump = big.NewInt(1)
	}
	if cfg.MinReplacementFeeBump == nil {
		cfg.MinReplacementFeeBump = big.NewInt(1)
	}
	return &EVMClient{
		backend:  backend,
		signer:   signer,
		cfg:      cfg,
		seq:      NewSequenceManager(backend, signer.Address()),
		lastFees: make(map[uint64]feePair),
	}, nil
}

func (c *EVMClient) AccountSequence(ctx context.Context) (uint64, error) {
	n, err := c.seq.Resync(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: pending sequence: %v", ErrUnavailable, err)
	}
	return n, nil
}

func (c *EVMClient) Submit(ctx context.Context, sub Submission) ([32]byte, error) {
	calldata, err := vaultabi.PackRelayDepositCalldata(sub.Proof, sub.PublicInput)
	if err != nil {
		return [32]byte{}, err
	}

	from := c.signer.Address()
	to := c.cfg.VaultAddress

	est, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		// A revert during estimation is the chain's verdict on the call
		// itself, not a transport failure.
		if isRevert(err) {
			return [32]byte{}, &RejectedError{Reason: err.Error()}
		}
		return [32]byte{}, fmt.Errorf("%w: estimate gas: %v", ErrUnavailable, err)
	}
	gasLimit := applyGasMultiplier(est, c.cfg.GasLimitMultiplier)

	tipCap, feeCap, err := c.feesFor(ctx, sub.Sequence)
	if err != nil {
		return [32]byte{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     sub.Sequence,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      calldata,
	})
	signed, err := c.signer.SignTx(tx, c.cfg.ChainID)
	if err != nil {
		return [32]byte{}, fmt.Errorf("dest: sign tx: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if classified := classifySendError(err); classified != nil {
			return [32]byte{}, classified
		}
		// Already in the pool: the broadcast is effectively done.
	}

	c.mu.Lock()
	c.lastFees[sub.Sequence] = feePair{tipCap: tipCap, feeCap: feeCap}
	c.mu.Unlock()

	var handle [32]byte
	copy(handle[:], signed.Hash().Bytes())
	return handle, nil
}

func (c *EVMClient) Status(ctx context.Context, handle [32]byte) (Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.Hash(handle))
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{State: ReceiptPending}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: transaction receipt: %v", ErrUnavailable, err)
	}

	out := Receipt{TxID: handle}
	if receipt.BlockNumber != nil {
		out.Height = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		out.State = ReceiptConfirmed
	} else {
		out.State = ReceiptRejected
		out.Reason = "reverted on chain"
	}
	return out, nil
}

// feesFor computes fresh 1559 fees, or bumps the previous fees when the
// sequence was already broadcast.
func (c *EVMClient) feesFor(ctx context.Context, sequence uint64) (*big.Int, *big.Int, error) {
	suggestedTip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: suggest tip cap: %v", ErrUnavailable, err)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: latest header: %v", ErrUnavailable, err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return nil, nil, fmt.Errorf("dest: missing baseFee in latest header")
	}

	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, c.cfg.MinTipCap)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	prev, replacing := c.lastFees[sequence]
	c.mu.Unlock()
	if !replacing {
		return tipCap, feeCap, nil
	}

	bumpedTip, bumpedFee, err := Bump1559Fees(prev.tipCap, prev.feeCap, c.cfg.ReplacementBumpPercent, c.cfg.MinReplacementTipBump, c.cfg.MinReplacementFeeBump)
	if err != nil {
		return nil, nil, err
	}
	// The replacement must also clear current market fees.
	if tipCap.Cmp(bumpedTip) > 0 {
		bumpedTip = tipCap
	}
	if feeCap.Cmp(bumpedFee) > 0 {
		bumpedFee = feeCap
	}
	if bumpedFee.Cmp(bumpedTip) < 0 {
		bumpedFee = new(big.Int).Set(bumpedTip)
	}
	return bumpedTip, bumpedFee, nil
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		// Identical tx is in the pool; treat the broadcast as done.
		return nil
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "replacement transaction underpriced"):
		return fmt.Errorf("%w: %v", ErrSequencingConflict, err)
	case isRevertMessage(msg):
		return &RejectedError{Reason: err.Error()}
	default:
		return fmt.Errorf("%w: send transaction: %v", ErrUnavailable, err)
	}
}

func isRevert(err error) bool {
	return isRevertMessage(strings.ToLower(err.Error()))
}

func isRevertMessage(msg string) bool {
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "always failing transaction")
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
