package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// Params holds the fuzzy commitment scheme parameters. The defaults match
// the enrollment pipeline this registry was built for: 16-byte secret keys,
// 128-dimensional feature vectors, and a 7x repetition code, which tolerates
// up to 3 flipped bits per key bit.
type Params struct {
	KeyLength  int
	FeatureDim int
	Redundancy int
}

func DefaultParams() Params {
	return Params{
		KeyLength:  16,
		FeatureDim: 128,
		Redundancy: 7,
	}
}

func (p Params) Validate() error {
	if p.KeyLength <= 0 {
		return fmt.Errorf("key_length must be positive, got %d", p.KeyLength)
	}
	if p.FeatureDim <= 0 {
		return fmt.Errorf("feature_dim must be positive, got %d", p.FeatureDim)
	}
	if p.Redundancy <= 0 || p.Redundancy%2 == 0 {
		return fmt.Errorf("redundancy must be a positive odd number, got %d", p.Redundancy)
	}
	return nil
}

// NewKey generates a random secret key of the configured length.
func (p Params) NewKey() ([]byte, error) {
	key := make([]byte, p.KeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return key, nil
}

// Commit binds a secret key to a biometric feature vector. It returns the
// commitment hash H(key) as a hex string and the helper data
// delta = quantize(features) XOR ecc_encode(key). Neither value reveals the
// key or the biometric in isolation.
func (p Params) Commit(key []byte, features []float64) (string, []byte, error) {
	if err := p.Validate(); err != nil {
		return "", nil, err
	}
	if len(key) != p.KeyLength {
		return "", nil, fmt.Errorf("key must be %d bytes, got %d", p.KeyLength, len(key))
	}

	codeword := p.encode(key)
	template := p.Quantize(features)
	delta := xorPadded(template, codeword)

	return HashKey(key), delta, nil
}

// Recover derives a candidate key from stored helper data and a fresh
// feature vector. A decode always produces a key; only Verify against the
// stored commitment hash decides whether it is the enrolled one.
func (p Params) Recover(delta []byte, features []float64) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	template := p.Quantize(features)
	codeword := xorPadded(template, delta)

	return p.decode(codeword), nil
}

// Verify reports whether H(candidateKey) matches the stored commitment hash.
// This comparison is the single source of truth for authentication.
func Verify(storedHash string, candidateKey []byte) bool {
	return HashKey(candidateKey) == storedHash
}

// HashKey returns the hex-encoded SHA-256 of a secret key.
func HashKey(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Quantize converts a continuous feature vector into a binary template using
// median thresholding, which is stable across repeated captures of the same
// biometric. The vector is truncated or zero-padded to FeatureDim first.
func (p Params) Quantize(features []float64) []byte {
	fixed := make([]float64, p.FeatureDim)
	copy(fixed, features)

	for i, v := range fixed {
		switch {
		case math.IsNaN(v):
			fixed[i] = 0
		case math.IsInf(v, 1):
			fixed[i] = 1
		case math.IsInf(v, -1):
			fixed[i] = -1
		}
	}

	if sd := stddev(fixed); sd > 0 {
		m := mean(fixed)
		for i := range fixed {
			fixed[i] = (fixed[i] - m) / sd
		}
	}

	med := median(fixed)
	bits := make([]byte, len(fixed))
	for i, v := range fixed {
		if v > med {
			bits[i] = 1
		}
	}

	return packBits(bits)
}

// encode applies the repetition code: every key bit is repeated Redundancy
// times, so majority decoding survives up to Redundancy/2 flipped bits per
// group.
func (p Params) encode(key []byte) []byte {
	bits := unpackBits(key)
	encoded := make([]byte, 0, len(bits)*p.Redundancy)
	for _, b := range bits {
		for i := 0; i < p.Redundancy; i++ {
			encoded = append(encoded, b)
		}
	}
	return packBits(encoded)
}

// decode recovers a key from a noisy codeword by majority vote per bit group.
func (p Params) decode(codeword []byte) []byte {
	bits := unpackBits(codeword)
	keyBits := make([]byte, p.KeyLength*8)

	for i := range keyBits {
		start := i * p.Redundancy
		ones := 0
		for j := start; j < start+p.Redundancy && j < len(bits); j++ {
			if bits[j] == 1 {
				ones++
			}
		}
		if ones > p.Redundancy/2 {
			keyBits[i] = 1
		}
	}

	return packBits(keyBits)
}

// HammingDistance returns the normalized bit-level distance between two byte
// strings, padding the shorter with zeros. 0 means identical, 1 completely
// different.
func HammingDistance(a, b []byte) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return 1.0
	}

	diff := 0
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		v := x ^ y
		for v != 0 {
			diff += int(v & 1)
			v >>= 1
		}
	}

	return float64(diff) / float64(n*8)
}

func xorPadded(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		var x, y byte
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		out[i] = x ^ y
	}
	return out
}

func packBits(bits []byte) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b == 1 {
			out[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return out
}

func unpackBits(data []byte) []byte {
	bits := make([]byte, len(data)*8)
	for i := range bits {
		if data[i/8]&(1<<(7-uint(i%8))) != 0 {
			bits[i] = 1
		}
	}
	return bits
}

func mean(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func stddev(v []float64) float64 {
	m := mean(v)
	sum := 0.0
	for _, x := range v {
		d := x - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(v)))
}

func median(v []float64) float64 {
	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
