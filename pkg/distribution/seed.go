// Package distribution implements component C3: hashing a stripe key to a
// brick, and incrementally mutating the distribution table as bricks are
// added, removed, resized, or the volume is scaled.
package distribution

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Seed computes seed = murmur3_x86_32(volumeUUID, 16, murmur3_x86_32(oidLE64, 8, ^0))
// exactly as specified: the object id is hashed first with an all-ones seed,
// and that result seeds a second hash over the volume UUID.
func Seed(volumeUUID [16]byte, oid uint64) uint32 {
	var oidBytes [8]byte
	binary.LittleEndian.PutUint64(oidBytes[:], oid)
	oidHash := murmur3.Sum32WithSeed(oidBytes[:], ^uint32(0))
	return murmur3.Sum32WithSeed(volumeUUID[:], oidHash)
}

// StripeKeyBytes returns the 8 little-endian bytes of the stripe index
// (offset >> stripeBits), or 8 zero bytes when stripeBits == 0 (the whole
// file lands on one brick in that configuration).
func StripeKeyBytes(offset uint64, stripeBits uint8) [8]byte {
	var b [8]byte
	if stripeBits == 0 {
		return b
	}
	binary.LittleEndian.PutUint64(b[:], offset>>stripeBits)
	return b
}
