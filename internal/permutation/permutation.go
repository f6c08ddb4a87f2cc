// Package permutation implements the pseudo-random bijection used to
// scatter consecutive block ids across the block distribution. The
// core is a balanced Feistel network with a keyed 64-bit hash as the
// round function; cycle walking keeps the permutation closed over
// [0, maxValue].
package permutation

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

// Permutation is a bijection on [0, maxValue]. FInv(F(n)) == n for
// every n in the domain.
type Permutation interface {
	F(n uint64) uint64
	FInv(n uint64) uint64
}

// Identity is the permutation substituted when block-id randomization
// is disabled.
type Identity struct{}

func (Identity) F(n uint64) uint64    { return n }
func (Identity) FInv(n uint64) uint64 { return n }

// Feistel is a balanced Feistel network over the smallest even-width
// bit space covering [0, maxValue]. Values outside the domain that
// the wider bit space can represent are handled by cycle walking.
type Feistel struct {
	maxValue  uint64
	keys      []uint64
	halfBits  uint
	rightMask uint64
}

// DefaultRounds is the number of Feistel rounds used when the caller
// does not bring its own key schedule.
const DefaultRounds = 4

// DeriveKeys builds a deterministic key schedule from a seed, one key
// per round.
func DeriveKeys(seed uint64, rounds int) []uint64 {
	keys := make([]uint64, rounds)
	for i := range keys {
		keys[i] = keyedHash(uint64(i), seed)
	}
	return keys
}

// NewFeistel builds a permutation of [0, maxValue]. The number of
// rounds equals len(keys) and must be at least 3.
func NewFeistel(maxValue uint64, keys []uint64) (*Feistel, error) {
	if len(keys) < 3 {
		return nil, fmt.Errorf("permutation: %d rounds are too few for a secure-ish Feistel network, need >= 3", len(keys))
	}

	// An odd number of significant bits would need an unbalanced
	// network; widen by one bit instead and let cycle walking absorb
	// the roughly doubled out-of-domain share.
	significant := bits.Len64(maxValue)
	if significant == 0 {
		significant = 1
	}
	if significant%2 == 1 {
		significant++
	}

	half := uint(significant / 2)
	return &Feistel{
		maxValue:  maxValue,
		keys:      keys,
		halfBits:  half,
		rightMask: (uint64(1) << half) - 1,
	}, nil
}

func (p *Feistel) F(n uint64) uint64    { return p.cycleWalk(n, false) }
func (p *Feistel) FInv(n uint64) uint64 { return p.cycleWalk(n, true) }

// cycleWalk applies the network repeatedly until the result lands in
// [0, maxValue]. The bit space is closed under the network, so the
// orbit of n returns into the domain after finitely many steps.
func (p *Feistel) cycleWalk(n uint64, reverse bool) uint64 {
	if n > p.maxValue {
		panic(fmt.Sprintf("permutation: value %d outside domain [0, %d]", n, p.maxValue))
	}
	for {
		n = p.feistel(n, reverse)
		if n <= p.maxValue {
			return n
		}
	}
}

func (p *Feistel) feistel(n uint64, reverse bool) uint64 {
	left := n >> p.halfBits
	right := n & p.rightMask

	if !reverse {
		for _, key := range p.keys {
			left, right = right, left^(keyedHash(right, key)&p.rightMask)
		}
	} else {
		for i := len(p.keys) - 1; i >= 0; i-- {
			left, right = right^(keyedHash(left, p.keys[i])&p.rightMask), left
		}
	}

	return left<<p.halfBits | right
}

func keyedHash(value, key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	d := xxhash.NewWithSeed(key)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

// Range permutes block ids at the granularity of permutation ranges:
// only id/rangeSize goes through the Feistel network, id%rangeSize
// passes through unchanged. A consecutive run of application ids thus
// stays contiguous within each permutation range.
type Range struct {
	inner     *Feistel
	rangeSize uint64
	numBlocks uint64
}

// NewRange builds a range-level permutation of [0, numBlocks). Ids in
// the final, possibly short permutation range stay in place so the
// image of [0, numBlocks) is again [0, numBlocks).
func NewRange(numBlocks, rangeSize, seed uint64, rounds int) (*Range, error) {
	if numBlocks == 0 {
		return nil, fmt.Errorf("permutation: cannot permute an empty id space")
	}
	if rangeSize == 0 {
		return nil, fmt.Errorf("permutation: permutation range size must be > 0")
	}

	// Only full permutation ranges take part in the permutation; a
	// trailing partial range would break the fixed intra-range
	// offsets.
	fullRanges := numBlocks / rangeSize
	if fullRanges == 0 {
		return &Range{inner: nil, rangeSize: rangeSize, numBlocks: numBlocks}, nil
	}
	inner, err := NewFeistel(fullRanges-1, DeriveKeys(seed, rounds))
	if err != nil {
		return nil, err
	}
	return &Range{inner: inner, rangeSize: rangeSize, numBlocks: numBlocks}, nil
}

func (p *Range) F(n uint64) uint64 {
	if n >= p.numBlocks {
		panic(fmt.Sprintf("permutation: block id %d outside [0, %d)", n, p.numBlocks))
	}
	high := n / p.rangeSize
	if p.inner == nil || high > p.inner.maxValue {
		return n
	}
	return p.inner.F(high)*p.rangeSize + n%p.rangeSize
}

func (p *Range) FInv(n uint64) uint64 {
	if n >= p.numBlocks {
		panic(fmt.Sprintf("permutation: block id %d outside [0, %d)", n, p.numBlocks))
	}
	high := n / p.rangeSize
	if p.inner == nil || high > p.inner.maxValue {
		return n
	}
	return p.inner.FInv(high)*p.rangeSize + n%p.rangeSize
}

// RangeSize returns the permutation-range granularity.
func (p *Range) RangeSize() uint64 { return p.rangeSize }
