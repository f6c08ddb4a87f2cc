// Package distribution implements the deterministic block
// distribution: a pure function from block id to the set of original
// ranks that replicate it. Every rank computes the same distribution
// from (rank count, block count, replication level) alone, without
// exchanging any metadata.
package distribution

import (
	"fmt"

	"github.com/i5heu/restore/pkg/types"
)

// Range is one primary range of the distribution: a contiguous block
// of ids assigned to the rank whose id equals the range index. The
// ranges partition [0, numBlocks) as evenly as possible.
type Range struct {
	Index  int
	Start  types.BlockID
	Length uint64
}

// End returns the exclusive upper bound of the range.
func (r Range) End() types.BlockID {
	return r.Start + types.BlockID(r.Length)
}

// Contains reports whether id falls into the range.
func (r Range) Contains(id types.BlockID) bool {
	return id >= r.Start && id < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("range %d [%d, %d)", r.Index, r.Start, r.End())
}

// Distribution partitions [0, numBlocks) into one primary range per
// original rank and assigns each range the k ranks
// {j, j+1, ..., j+k-1} mod P as its replica set. The replica sets are
// rotations of a single cycle, so any < k consecutive failures leave
// every range with a surviving replica.
type Distribution struct {
	numRanks    int
	numBlocks   uint64
	replication int

	// First `longRanges` ranges are one block longer than the rest.
	longRanges   uint64
	shortLength  uint64
	longBoundary types.BlockID // first id owned by a short range
}

// New builds a distribution of numBlocks blocks over numRanks original
// ranks with the given replication level. The effective replica count
// is min(replication, numRanks).
func New(numRanks int, numBlocks uint64, replication int) (*Distribution, error) {
	if numRanks <= 0 {
		return nil, fmt.Errorf("distribution: need at least one rank, got %d", numRanks)
	}
	if numBlocks == 0 {
		return nil, fmt.Errorf("distribution: need at least one block")
	}
	if replication <= 0 {
		return nil, fmt.Errorf("distribution: replication level must be >= 1, got %d", replication)
	}

	p := uint64(numRanks)
	d := &Distribution{
		numRanks:    numRanks,
		numBlocks:   numBlocks,
		replication: replication,
		longRanges:  numBlocks % p,
		shortLength: numBlocks / p,
	}
	d.longBoundary = types.BlockID(d.longRanges * (d.shortLength + 1))
	return d, nil
}

// NumRanges returns the number of primary ranges, which equals the
// original rank count.
func (d *Distribution) NumRanges() int { return d.numRanks }

// NumBlocks returns the total block count.
func (d *Distribution) NumBlocks() uint64 { return d.numBlocks }

// ReplicationLevel returns the configured replication level (not
// clamped to the rank count).
func (d *Distribution) ReplicationLevel() int { return d.replication }

// EffectiveReplication returns the number of distinct replicas per
// range, min(k, P).
func (d *Distribution) EffectiveReplication() int {
	if d.replication > d.numRanks {
		return d.numRanks
	}
	return d.replication
}

// RangeWithIndex returns primary range j.
func (d *Distribution) RangeWithIndex(j int) Range {
	if j < 0 || j >= d.numRanks {
		panic(fmt.Sprintf("distribution: range index %d outside [0, %d)", j, d.numRanks))
	}
	uj := uint64(j)
	if uj < d.longRanges {
		return Range{Index: j, Start: types.BlockID(uj * (d.shortLength + 1)), Length: d.shortLength + 1}
	}
	return Range{
		Index:  j,
		Start:  d.longBoundary + types.BlockID((uj-d.longRanges)*d.shortLength),
		Length: d.shortLength,
	}
}

// RangeOfBlock locates the primary range containing id in O(1).
func (d *Distribution) RangeOfBlock(id types.BlockID) Range {
	if uint64(id) >= d.numBlocks {
		panic(fmt.Sprintf("distribution: block id %d outside [0, %d)", id, d.numBlocks))
	}
	var j uint64
	if id < d.longBoundary {
		j = uint64(id) / (d.shortLength + 1)
	} else {
		j = d.longRanges + uint64(id-d.longBoundary)/d.shortLength
	}
	return d.RangeWithIndex(int(j))
}

// RanksBlockRangeIsStoredOn returns the replica set of a primary
// range: the min(k, P) ranks {j, ..., j+k-1} mod P in rotation order.
func (d *Distribution) RanksBlockRangeIsStoredOn(r Range) []types.OriginalRank {
	k := d.EffectiveReplication()
	out := make([]types.OriginalRank, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, types.OriginalRank((r.Index+i)%d.numRanks))
	}
	return out
}

// RanksBlockIsStoredOn returns the replica set of the range containing
// id.
func (d *Distribution) RanksBlockIsStoredOn(id types.BlockID) []types.OriginalRank {
	return d.RanksBlockRangeIsStoredOn(d.RangeOfBlock(id))
}

// IsStoredOn reports whether rank replicates the range containing id.
func (d *Distribution) IsStoredOn(id types.BlockID, rank types.OriginalRank) bool {
	return d.RangeIsStoredOn(d.RangeOfBlock(id), rank)
}

// RangeIsStoredOn reports whether rank is in the replica set of r.
func (d *Distribution) RangeIsStoredOn(r Range, rank types.OriginalRank) bool {
	if int(rank) < 0 || int(rank) >= d.numRanks {
		return false
	}
	// rank stores ranges {rank-k+1, ..., rank} mod P.
	delta := (int(rank) - r.Index + d.numRanks) % d.numRanks
	return delta < d.EffectiveReplication()
}

// RangesStoredOn lists, in ascending index order, the primary ranges
// replicated on rank.
func (d *Distribution) RangesStoredOn(rank types.OriginalRank) []Range {
	out := make([]Range, 0, d.EffectiveReplication())
	for j := 0; j < d.numRanks; j++ {
		r := d.RangeWithIndex(j)
		if d.RangeIsStoredOn(r, rank) {
			out = append(out, r)
		}
	}
	return out
}
