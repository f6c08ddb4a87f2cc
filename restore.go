// Package restore is an in-memory, replicated, block-addressed
// storage layer for bulk-synchronous message-passing jobs. Each rank
// submits its shard of application data as fixed-identity blocks; the
// store replicates every block on several ranks so that, after a
// subset of ranks crashed, the survivors can reconstruct any block
// that lived on at least one of them.
package restore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/i5heu/restore/internal/blockstore"
	"github.com/i5heu/restore/internal/distribution"
	"github.com/i5heu/restore/internal/health"
	"github.com/i5heu/restore/internal/permutation"
	"github.com/i5heu/restore/internal/ranks"
	"github.com/i5heu/restore/internal/submission"
	"github.com/i5heu/restore/pkg/interfaces"
	"github.com/i5heu/restore/pkg/types"
	"github.com/i5heu/restore/pkg/workerpool"
)

// Convenience aliases so callers only import the root package.
type (
	BlockID      = types.BlockID
	BlockRange   = types.BlockRange
	BlockRequest = types.BlockRequest
	OriginalRank = types.OriginalRank
	CurrentRank  = types.CurrentRank
	OffsetMode   = types.OffsetMode
)

const (
	OffsetModeConstant    = types.OffsetModeConstant
	OffsetModeLookupTable = types.OffsetModeLookupTable
)

var (
	// ErrInvalidConfiguration is returned for unusable constructor or
	// call arguments. Fix the argument and retry.
	ErrInvalidConfiguration = errors.New("restore: invalid configuration")
	// ErrNotImplemented marks declared but unimplemented
	// functionality, currently lookup-table offset mode.
	ErrNotImplemented = errors.New("restore: not implemented")
	// ErrNoBlocksSubmitted is returned by retrieval before the first
	// successful submission.
	ErrNoBlocksSubmitted = errors.New("restore: no blocks have been submitted")
	// ErrSubmissionInProgress is returned while an async submission is
	// running or its completion has not been observed through
	// PollSubmitBlocksIsFinished or WaitSubmitBlocksIsFinished.
	ErrSubmissionInProgress = errors.New("restore: a submission is already in progress")

	// Transport failure classes, re-exported from the shim.
	ErrPeerFailed  = interfaces.ErrPeerFailed
	ErrCommRevoked = interfaces.ErrCommRevoked
	// ErrUnrecoverableDataLoss is raised by retrieval when every
	// replica of a requested range died.
	ErrUnrecoverableDataLoss = submission.ErrUnrecoverableDataLoss
)

// HandleSerializedBlockFunc receives one retrieved block. data is
// only valid during the call; id is the application block id.
type HandleSerializedBlockFunc func(data []byte, id BlockID)

// Store is the replicated block store of one rank. All mutating
// operations serialize on an internal mutex; the inspectors read
// immutable configuration and need no lock.
type Store struct {
	log    *slog.Logger
	config Config

	mu    sync.Mutex
	ranks *ranks.Manager
	pool  *workerpool.WorkerPool

	// populated is nil until the first successful submission and is
	// reset to nil when a submission fails.
	populated *populatedState

	asyncMu      sync.Mutex
	asyncDone    chan error
	asyncRunning bool

	closeOnce sync.Once
}

type populatedState struct {
	dist        *distribution.Distribution
	storage     *blockstore.Storage
	perm        permutation.Permutation
	permRange   uint64
	totalBlocks uint64
}

// New creates a store on the given communicator. The store is empty
// until the first submission.
func New(comm interfaces.Comm, config Config) (*Store, error) {
	if comm == nil {
		return nil, fmt.Errorf("%w: nil communicator", ErrInvalidConfiguration)
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	s := &Store{
		log:    config.Logger,
		config: config,
		ranks:  ranks.New(comm),
	}
	if config.ParallelDispatch {
		s.pool = workerpool.New(workerpool.Config{})
	}
	return s, nil
}

// Close releases the worker pool. The store must not be used
// afterwards.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
	})
}

// ReplicationLevel returns how many copies of each block are
// scattered over the ranks.
func (s *Store) ReplicationLevel() int { return s.config.ReplicationLevel }

// OffsetMode returns the arena layout and, for constant mode, the
// per-block byte count.
func (s *Store) OffsetMode() (OffsetMode, uint64) {
	return s.config.OffsetMode, s.config.ConstOffset
}

// UpdateComm swaps in the shrunk communicator after a failure.
func (s *Store) UpdateComm(newComm interfaces.Comm) error {
	if newComm == nil {
		return fmt.Errorf("%w: nil communicator", ErrInvalidConfiguration)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranks.UpdateComm(newComm)
	return nil
}

// RanksDiedSinceLastCall reports, in original rank ids, the ranks
// lost since the previous call.
func (s *Store) RanksDiedSinceLastCall() []OriginalRank {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranks.RanksDiedSinceLastCall()
}

// NumFailuresSinceReset counts the ranks lost since the namespace was
// frozen by the last submission.
func (s *Store) NumFailuresSinceReset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranks.NumFailuresSinceReset()
}

// IsAlive reports whether an original rank is still part of the
// current communicator.
func (s *Store) IsAlive(rank OriginalRank) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ranks.IsAlive(rank)
}

// Stats reports the local arena footprint together with the process
// RSS.
func (s *Store) Stats() health.MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.populated == nil {
		return health.Collect(0, 0)
	}
	return health.Collect(s.populated.storage.StoredBytes(), s.populated.storage.StoredRanges())
}

func (s *Store) exchanger(p *populatedState) *submission.Exchanger {
	return &submission.Exchanger{
		Ranks:       s.ranks,
		Dist:        p.dist,
		Storage:     p.storage,
		Perm:        p.perm,
		PermRange:   p.permRange,
		ConstOffset: s.config.ConstOffset,
		Tag:         s.config.Tag,
		Compress:    s.config.CompressExchanges,
		Pool:        s.pool,
		Log:         s.log,
	}
}

// PushBlocksCurrentRankIds pushes blocks to the destinations named in
// the plan, with destination ranks in the current namespace. Every
// rank must pass the same global plan; the blocks addressed to this
// rank are delivered through handle, grouped by source rank and in
// ascending permuted-id order within each source.
func (s *Store) PushBlocksCurrentRankIds(requests []BlockRequest, handle HandleSerializedBlockFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.populated
	if p == nil {
		return ErrNoBlocksSubmitted
	}
	return s.exchanger(p).PushBlocks(requests, submission.HandleBlockFunc(handle))
}

// PushBlocksOriginalRankIds is PushBlocksCurrentRankIds with the
// destination ranks named in the original namespace. A dead
// destination fails the call.
func (s *Store) PushBlocksOriginalRankIds(requests []BlockRequest, handle HandleSerializedBlockFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.populated
	if p == nil {
		return ErrNoBlocksSubmitted
	}

	translated := make([]BlockRequest, len(requests))
	for i, req := range requests {
		cur, alive := s.ranks.CurrentRankOf(OriginalRank(req.Rank))
		if !alive {
			return fmt.Errorf("push destination %d died: %w", req.Rank, ErrPeerFailed)
		}
		translated[i] = BlockRequest{Range: req.Range, Rank: int(cur)}
	}
	return s.exchanger(p).PushBlocks(translated, submission.HandleBlockFunc(handle))
}

// PullBlocks fetches the given block ranges from whichever replicas
// survive. Unlike push, only the requesting rank needs to know what
// it wants; an extra control round tells the serving ranks.
func (s *Store) PullBlocks(blockRanges []BlockRange, handle HandleSerializedBlockFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.populated
	if p == nil {
		return ErrNoBlocksSubmitted
	}
	return s.exchanger(p).PullBlocks(blockRanges, submission.HandleBlockFunc(handle))
}
