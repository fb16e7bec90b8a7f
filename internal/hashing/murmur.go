// Package hashing implements the deterministic bucketing primitive shared
// by every targeting rule: a 32-bit MurmurHash3 over "ruleID:userID",
// reduced to the range [1,100]. The hash seed and constants are a fixed
// wire contract — every evaluator instance, in every process, must bucket
// the same (ruleID, userID) pair identically forever.
package hashing

// Seed is the fixed MurmurHash3 seed. Changing this would silently
// re-bucket every existing percentage rollout, so it is a constant that
// Bucket always uses; only direct Hash32 calls pass a different seed.
const Seed uint32 = 0x12345678

const (
	c1 uint32 = 0xcc9e2d51
	c2 uint32 = 0x1b873593
	r1        = 15
	r2        = 13
	m         = 5
	n  uint32 = 0xe6546b64
)

// Hash32 computes the 32-bit MurmurHash3 (x86_32 variant) of data with the
// given seed.
func Hash32(data []byte, seed uint32) uint32 {
	h := seed
	length := len(data)
	nblocks := length / 4

	for i := 0; i < nblocks; i++ {
		k := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		k *= c1
		k = rotl32(k, r1)
		k *= c2

		h ^= k
		h = rotl32(h, r2)
		h = h*m + n
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = rotl32(k1, r1)
		k1 *= c2
		h ^= k1
	}

	h ^= uint32(length)
	h = fmix32(h)
	return h
}

func rotl32(x uint32, r uint8) uint32 {
	return (x << r) | (x >> (32 - r))
}

func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

// Bucket deterministically maps (ruleID, userID) onto the integer range
// [1,100], inclusive. Two evaluators given the same pair always produce
// the same bucket, regardless of process, host, or Go version.
func Bucket(ruleID, userID string) int {
	key := ruleID + ":" + userID
	h := Hash32([]byte(key), Seed)
	return int(h%100) + 1
}
