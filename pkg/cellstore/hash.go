package cellstore

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

// HashBits selects the width of a cell's content_hash (spec.md §6
// Options: cell_hash_bits, 64 or 128; default 128).
type HashBits int

const (
	// Hash64 uses a 64-bit xxhash digest.
	Hash64 HashBits = 64
	// Hash128 uses a 128-bit keyed BLAKE3 digest (the default).
	Hash128 HashBits = 128
)

// ContentHash is a fixed-width content hash. Only the first hashLen(bits)
// bytes are meaningful; the rest are zero. Equality (==) is a plain
// struct comparison, so ContentHash can be used as a map key directly.
type ContentHash [16]byte

// hashKey is the keyed-hash key for BLAKE3. It is fixed and process-wide
// (not a secret — the keying exists only to decorrelate this runtime's
// hashes from BLAKE3's unkeyed hash space, not for any security property;
// spec.md §4.3 calls content_hash "a 128-bit keyed hash").
var hashKey = [32]byte{'t', 'a', 's', 'k', 'g', 'r', 'a', 'p', 'h', '.', 'c', 'e', 'l', 'l', 's', 't'}

// ComputeHash hashes value at the requested width.
func ComputeHash(bits HashBits, value []byte) ContentHash {
	var out ContentHash

	switch bits {
	case Hash64:
		h := xxhash.Sum64(value)

		var buf [8]byte

		binary.LittleEndian.PutUint64(buf[:], h)
		copy(out[:8], buf[:])

		return out
	case Hash128:
		fallthrough
	default:
		hasher, err := blake3.New(16, hashKey[:])
		if err != nil {
			// Only reachable if hashKey's length is wrong, which is a
			// compile-time-fixed constant above.
			panic("cellstore: invalid blake3 key length: " + err.Error())
		}

		hasher.Write(value) //nolint:errcheck // hash.Hash.Write never errors.

		digest := hasher.Sum(nil)
		copy(out[:], digest[:16])

		return out
	}
}
