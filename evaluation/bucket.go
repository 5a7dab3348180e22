package evaluation

import (
	"crypto/sha256"
	"encoding/binary"
)

// BucketCount is the number of basis-point buckets contexts are assigned to.
const BucketCount = 10000

// Bucket deterministically assigns a context to a basis-point bucket in
// [0, BucketCount). It is a pure function of its inputs: the same flag key,
// context key, and salt map to the same bucket on every node and across
// restarts. The salt decorrelates bucketing between different rollouts on
// the same flag.
func Bucket(flagKey, contextKey, salt string) int {
	h := sha256.New()
	h.Write([]byte(flagKey))
	h.Write([]byte{'.'})
	h.Write([]byte(contextKey))
	h.Write([]byte{'.'})
	h.Write([]byte(salt))
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint64(sum[:8]) % BucketCount)
}

// pick selects the variation whose cumulative weight range contains bucket.
// Ranges are assigned in declared order. Returns false if the weights do not
// cover the bucket, which validation prevents for well-formed rollouts.
func (r *Rollout) pick(bucket int) (string, bool) {
	acc := 0
	for _, rv := range r.Variations {
		acc += rv.Weight
		if bucket < acc {
			return rv.VariationID, true
		}
	}
	return "", false
}
