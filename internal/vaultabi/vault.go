// Package vaultabi packs calldata for the destination vault contract.
package vaultabi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var ErrInvalidInput = errors.New("vaultabi: invalid input")

const relayDepositABIJSON = `[
  {
    "type": "function",
    "name": "relayDeposit",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "proof", "type": "bytes"},
      {"name": "publicInput", "type": "bytes"}
    ],
    "outputs": []
  }
]`

var (
	initOnce sync.Once
	initErr  error
	vaultABI abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		vaultABI, err = abi.JSON(strings.NewReader(relayDepositABIJSON))
		if err != nil {
			initErr = fmt.Errorf("vaultabi: parse relayDeposit ABI: %w", err)
		}
	})
	return initErr
}

// PackRelayDepositCalldata returns calldata for Vault.relayDeposit.
func PackRelayDepositCalldata(proof, publicInput []byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(proof) == 0 {
		return nil, fmt.Errorf("%w: empty proof", ErrInvalidInput)
	}
	if len(publicInput) == 0 {
		return nil, fmt.Errorf("%w: empty public input", ErrInvalidInput)
	}
	calldata, err := vaultABI.Pack("relayDeposit", proof, publicInput)
	if err != nil {
		return nil, fmt.Errorf("vaultabi: pack relayDeposit: %w", err)
	}
	return calldata, nil
}

// RelayDepositSelector returns the 4-byte method selector.
func RelayDepositSelector() ([4]byte, error) {
	var out [4]byte
	if err := initABI(); err != nil {
		return out, err
	}
	m, ok := vaultABI.Methods["relayDeposit"]
	if !ok {
		return out, fmt.Errorf("vaultabi: relayDeposit method missing")
	}
	copy(out[:], m.ID)
	return out, nil
}
