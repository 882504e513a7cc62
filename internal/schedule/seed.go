package schedule

import "math/rand/v2"

// Seed is the ten word seed vector that travels with every radio plan.
type Seed [10]uint64

// Rand builds the generator for a seed. Even words fold into the PCG state,
// odd words into its increment.
func (s Seed) Rand() *rand.Rand {
	var hi, lo uint64
	for i, w := range s {
		if i%2 == 0 {
			hi ^= w
		} else {
			lo ^= w
		}
	}
	return rand.New(rand.NewPCG(hi, lo))
}

// NewSeed draws a seed vector. Words stay within int64 range so they survive
// YAML encoders that only know signed integers.
func NewSeed(rng *rand.Rand) Seed {
	var s Seed
	for i := range s {
		s[i] = rng.Uint64() >> 1
	}
	return s
}

// SeedFromInts folds an arbitrary list of user supplied integers into a Seed.
func SeedFromInts(vals []uint64) Seed {
	var s Seed
	for i, v := range vals {
		s[i%len(s)] ^= v
	}
	return s
}
