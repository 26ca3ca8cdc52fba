package idempotency

import (
	"encoding/binary"
)

const (
	publicInputsPrefixV1  = "relay.public.v1"
	privateInputsPrefixV1 = "relay.private.v1"
)

// PublicInputsV1 encodes the proof backend's public inputs for one deposit.
//
// Layout (fixed width, big endian):
//
//	"relay.public.v1" || jobId || recipient || amountBE8
//
// The encoding must be byte-identical across restarts for the same deposit, so
// a job resumed after a crash produces a semantically equivalent proof.
func PublicInputsV1(jobID [32]byte, recipient [32]byte, amount uint64) []byte {
	out := make([]byte, 0, len(publicInputsPrefixV1)+32+32+8)
	out = append(out, publicInputsPrefixV1...)
	out = append(out, jobID[:]...)
	out = append(out, recipient[:]...)
	out = binary.BigEndian.AppendUint64(out, amount)
	return out
}

// PrivateInputsV1 encodes the witness side of the proof request: the
// source-chain facts the proof attests to without revealing them on the
// destination chain.
//
// Layout (fixed width, big endian):
//
//	"relay.private.v1" || sourceTxId || logIndexBE4 || heightBE8 || blockHash || depositor
func PrivateInputsV1(sourceTxID [32]byte, logIndex uint32, height uint64, blockHash [32]byte, depositor [20]byte) []byte {
	out := make([]byte, 0, len(privateInputsPrefixV1)+32+4+8+32+20)
	out = append(out, privateInputsPrefixV1...)
	out = append(out, sourceTxID[:]...)
	out = binary.BigEndian.AppendUint32(out, logIndex)
	out = binary.BigEndian.AppendUint64(out, height)
	out = append(out, blockHash[:]...)
	out = append(out, depositor[:]...)
	return out
}
