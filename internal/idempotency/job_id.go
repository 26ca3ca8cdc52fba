package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const jobIDPrefixV1 = "relay.job.v1"

// JobIDV1 computes the canonical relay job id:
//
//	jobId = keccak256("relay.job.v1" || sourceTxId || logIndexBE4)
//
// The id is a pure function of the deposit identity key, so duplicate
// ingestion of the same event always resolves to the same job.
func JobIDV1(sourceTxID [32]byte, logIndex uint32) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(jobIDPrefixV1))
	_, _ = h.Write(sourceTxID[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIndex)
	_, _ = h.Write(idx[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
