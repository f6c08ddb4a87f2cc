// Package blockstore provides the per-rank arena holding the
// serialized blocks replicated on this rank. The arena is organized
// per primary range of the block distribution; it borrows the
// distribution handle and never owns range metadata itself.
package blockstore

import (
	"fmt"

	"github.com/i5heu/restore/internal/distribution"
	"github.com/i5heu/restore/pkg/types"
)

// Storage is the local serialized-block arena. In constant-offset
// mode each stored range is a flat byte vector; block b of range R
// sits at (b - R.Start) * constOffset.
type Storage struct {
	dist        *distribution.Distribution
	mode        types.OffsetMode
	constOffset uint64

	ranges  []*storedRange
	byIndex map[int]*storedRange
}

type storedRange struct {
	rng  distribution.Range
	data []byte
}

// New allocates storage for every primary range replicated on rank,
// as dictated by the distribution. Only constant-offset mode is
// implemented; lookup-table mode is rejected by the store before it
// gets here.
func New(
	dist *distribution.Distribution,
	mode types.OffsetMode,
	constOffset uint64,
	rank types.OriginalRank,
) (*Storage, error) {
	if mode != types.OffsetModeConstant {
		return nil, fmt.Errorf("blockstore: offset mode %s not supported", mode)
	}
	if constOffset == 0 {
		return nil, fmt.Errorf("blockstore: constant offset must be > 0")
	}

	s := &Storage{
		dist:        dist,
		mode:        mode,
		constOffset: constOffset,
		byIndex:     make(map[int]*storedRange),
	}
	for _, rng := range dist.RangesStoredOn(rank) {
		sr := &storedRange{
			rng:  rng,
			data: make([]byte, rng.Length*constOffset),
		}
		s.ranges = append(s.ranges, sr)
		s.byIndex[rng.Index] = sr
	}
	return s, nil
}

// StoredBytes returns the total arena size in bytes.
func (s *Storage) StoredBytes() uint64 {
	var n uint64
	for _, sr := range s.ranges {
		n += uint64(len(sr.data))
	}
	return n
}

// StoredRanges returns the number of ranges held locally.
func (s *Storage) StoredRanges() int { return len(s.ranges) }

// HasBlock reports whether id belongs to a range stored locally.
func (s *Storage) HasBlock(id types.BlockID) bool {
	_, ok := s.byIndex[s.dist.RangeOfBlock(id).Index]
	return ok
}

func (s *Storage) locate(id types.BlockID) (*storedRange, uint64, error) {
	rng := s.dist.RangeOfBlock(id)
	sr, ok := s.byIndex[rng.Index]
	if !ok {
		return nil, 0, fmt.Errorf("blockstore: block %d belongs to %s, which is not stored on this rank", id, rng)
	}
	return sr, uint64(id-sr.rng.Start) * s.constOffset, nil
}

// WriteBlock copies one serialized block into its slot. data must be
// exactly constOffset bytes.
func (s *Storage) WriteBlock(id types.BlockID, data []byte) error {
	if uint64(len(data)) != s.constOffset {
		return fmt.Errorf("blockstore: block %d has %d bytes, want %d", id, len(data), s.constOffset)
	}
	sr, off, err := s.locate(id)
	if err != nil {
		return err
	}
	copy(sr.data[off:], data)
	return nil
}

// WriteConsecutiveBlocks copies the blocks [lo, hi] (hi inclusive) in
// one memcopy when the whole interval lies inside a single stored
// range, and falls back to per-block writes otherwise.
func (s *Storage) WriteConsecutiveBlocks(lo, hi types.BlockID, data []byte) error {
	if hi < lo {
		return fmt.Errorf("blockstore: inverted interval [%d, %d]", lo, hi)
	}
	count := uint64(hi-lo) + 1
	if uint64(len(data)) != count*s.constOffset {
		return fmt.Errorf("blockstore: interval [%d, %d] needs %d bytes, got %d", lo, hi, count*s.constOffset, len(data))
	}

	sr, off, err := s.locate(lo)
	if err != nil {
		return err
	}
	if sr.rng.Contains(hi) {
		copy(sr.data[off:], data)
		return nil
	}
	for i := uint64(0); i < count; i++ {
		id := lo + types.BlockID(i)
		if err := s.WriteBlock(id, data[i*s.constOffset:(i+1)*s.constOffset]); err != nil {
			return err
		}
	}
	return nil
}

// ForAllBlocks yields the stored bytes of every block of r, in
// ascending id order. The yielded slice aliases the arena; callers
// must not retain it across writes.
func (s *Storage) ForAllBlocks(r types.BlockRange, fn func(data []byte, id types.BlockID)) error {
	for id := r.Start; id < r.End(); id++ {
		sr, off, err := s.locate(id)
		if err != nil {
			return err
		}
		fn(sr.data[off:off+s.constOffset], id)
	}
	return nil
}
