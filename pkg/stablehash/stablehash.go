// Package stablehash provides deterministic pseudo-randomness derived from
// string seeds. Simulation and chaos-testing behaviour built on top of it is
// reproducible across runs and across machines.
package stablehash

import "hash/fnv"

// Sum32 returns the FNV-1a hash of the seed.
func Sum32(seed string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return h.Sum32()
}

// Bucket maps the seed into [0, 100). Equal seeds always land in the same
// bucket, which is what makes forced-fallback and skew decisions replayable.
func Bucket(seed string) uint32 {
	return Sum32(seed) % 100
}

// Jitter maps the seed into [0, spread) and is used where a deterministic
// offset is needed instead of a percentage gate.
func Jitter(seed string, spread uint32) uint32 {
	if spread == 0 {
		return 0
	}
	return Sum32(seed) % spread
}
