package lottery

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
)

// Source supplies the single roll of a draw. Seed identifies the stream so a
// recorded draw can be replayed with NewSource.
type Source interface {
	Seed() uint64
	Float64() float64
}

type pcgSource struct {
	seed uint64
	r    *rand.Rand
}

func NewSource(seed uint64) Source {
	return &pcgSource{seed: seed, r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *pcgSource) Seed() uint64     { return s.seed }
func (s *pcgSource) Float64() float64 { return s.r.Float64() }

// RandomSource seeds a PCG stream from the operating system.
func RandomSource() Source {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return NewSource(rand.Uint64())
	}
	return NewSource(binary.LittleEndian.Uint64(b[:]))
}

// FixedRoll always returns the same value. Seed is zero.
type FixedRoll float64

func (f FixedRoll) Seed() uint64     { return 0 }
func (f FixedRoll) Float64() float64 { return float64(f) }
