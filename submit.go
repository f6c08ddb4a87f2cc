package restore

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/i5heu/restore/internal/blockstore"
	"github.com/i5heu/restore/internal/distribution"
	"github.com/i5heu/restore/internal/permutation"
	"github.com/i5heu/restore/internal/submission"
	"github.com/i5heu/restore/pkg/types"
)

// SerializeFunc writes one application block into the staging stream.
// It is called exactly once per block, even when the block has
// several replica destinations.
type SerializeFunc[B any] func(block B, w io.Writer) error

// NextBlockFunc yields the blocks this rank submits, one per call; ok
// is false once the shard is exhausted.
type NextBlockFunc[B any] func() (id BlockID, block B, ok bool)

// SerializedBlockRange describes blocks the caller already holds as a
// flat byte stream: the blocks of Range, concatenated at ConstOffset
// bytes each.
type SerializedBlockRange struct {
	Range BlockRange
	Data  []byte
}

// SubmitBlocks replicates this rank's blocks across the job. It is a
// collective: every rank of the communicator must call it, each with
// its own shard and the same totalBlocks. On a peer failure the store
// is left empty and the caller is expected to shrink the
// communicator, UpdateComm, and re-submit.
func SubmitBlocks[B any](s *Store, serialize SerializeFunc[B], next NextBlockFunc[B], totalBlocks uint64) error {
	if s.submissionInProgress() {
		return ErrSubmissionInProgress
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, err := s.prepareLocked(serializeAdapter(s, serialize, next), totalBlocks)
	if err != nil {
		return err
	}
	return s.finishLocked(pending)
}

// SubmitBlocksAsync is SubmitBlocks with the exchange and store
// phases running on a background task. Serialization still happens on
// the caller. The store mutex travels into the task and is held until
// it finishes; PollSubmitBlocksIsFinished and
// WaitSubmitBlocksIsFinished observe completion.
func SubmitBlocksAsync[B any](s *Store, serialize SerializeFunc[B], next NextBlockFunc[B], totalBlocks uint64) error {
	if s.submissionInProgress() {
		return ErrSubmissionInProgress
	}
	s.mu.Lock()
	pending, err := s.prepareLocked(serializeAdapter(s, serialize, next), totalBlocks)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.asyncMu.Lock()
	s.asyncRunning = true
	s.asyncDone = make(chan error, 1)
	s.asyncMu.Unlock()

	go func() {
		defer s.mu.Unlock()
		s.asyncDone <- s.finishLocked(pending)
	}()
	return nil
}

// SubmitSerializedBlocks bypasses the serialization callback for
// callers that already hold the byte stream. Constant offset mode
// only.
func (s *Store) SubmitSerializedBlocks(descriptors []SerializedBlockRange, totalBlocks uint64) error {
	if s.submissionInProgress() {
		return ErrSubmissionInProgress
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.config.ConstOffset
	for _, d := range descriptors {
		if uint64(len(d.Data)) != d.Range.Length*c {
			return fmt.Errorf("%w: descriptor %s has %d bytes, want %d", ErrInvalidConfiguration, d.Range, len(d.Data), d.Range.Length*c)
		}
	}

	descIdx, blockIdx := 0, uint64(0)
	next := func() (types.BlockID, []byte, bool, error) {
		for descIdx < len(descriptors) && blockIdx >= descriptors[descIdx].Range.Length {
			descIdx, blockIdx = descIdx+1, 0
		}
		if descIdx >= len(descriptors) {
			return 0, nil, false, nil
		}
		d := descriptors[descIdx]
		id := d.Range.Start + BlockID(blockIdx)
		data := d.Data[blockIdx*c : (blockIdx+1)*c]
		blockIdx++
		return id, data, true, nil
	}

	pending, err := s.prepareLocked(next, totalBlocks)
	if err != nil {
		return err
	}
	return s.finishLocked(pending)
}

// PollSubmitBlocksIsFinished reports whether the async submission
// completed. Its error is surfaced exactly once, by whichever of Poll
// or Wait sees completion first.
func (s *Store) PollSubmitBlocksIsFinished() (bool, error) {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if !s.asyncRunning {
		return true, nil
	}
	select {
	case err := <-s.asyncDone:
		s.asyncRunning = false
		return true, err
	default:
		return false, nil
	}
}

// WaitSubmitBlocksIsFinished blocks until the async submission
// completed.
func (s *Store) WaitSubmitBlocksIsFinished() error {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if !s.asyncRunning {
		return nil
	}
	err := <-s.asyncDone
	s.asyncRunning = false
	return err
}

func (s *Store) submissionInProgress() bool {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	return s.asyncRunning
}

// pendingSubmission carries a prepared submission from the serialize
// phase into the exchange phase.
type pendingSubmission struct {
	state   *populatedState
	exch    *submission.Exchanger
	buffers map[OriginalRank]*submission.SendBuffer
}

// prepareLocked runs the synchronous part of a submission: freeze the
// namespace, build distribution, storage and permutation, and
// serialize the local shard into per-destination buffers. The
// previous store contents are dropped up front; re-submission starts
// from a clean slate.
func (s *Store) prepareLocked(next submission.NextSerializedFunc, totalBlocks uint64) (*pendingSubmission, error) {
	if s.config.OffsetMode == types.OffsetModeLookupTable {
		return nil, fmt.Errorf("%w: lookup-table offset mode", ErrNotImplemented)
	}
	if totalBlocks == 0 {
		return nil, fmt.Errorf("%w: zero total blocks", ErrInvalidConfiguration)
	}

	s.populated = nil
	s.ranks.ResetOriginalToCurrent()

	var perm permutation.Permutation = permutation.Identity{}
	permRange := uint64(0)
	if !s.config.DisableBlockIDRandomization {
		rp, err := permutation.NewRange(totalBlocks, s.config.PermutationRangeSize, s.config.Seed, s.config.PermutationRounds)
		if err != nil {
			return nil, fmt.Errorf("restore: %w", err)
		}
		perm = rp
		permRange = rp.RangeSize()
	}

	dist, err := distribution.New(s.ranks.OriginalSize(), totalBlocks, s.config.ReplicationLevel)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	storage, err := blockstore.New(dist, s.config.OffsetMode, s.config.ConstOffset, s.ranks.MyOriginalRank())
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	state := &populatedState{
		dist:        dist,
		storage:     storage,
		perm:        perm,
		permRange:   permRange,
		totalBlocks: totalBlocks,
	}
	exch := s.exchanger(state)

	buffers, err := exch.SerializeForTransmission(next)
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	s.log.Debug("blocks serialized for submission",
		slog.Uint64("totalBlocks", totalBlocks),
		slog.Int("destinations", len(buffers)),
		slog.Int("originalRank", int(s.ranks.MyOriginalRank())))
	return &pendingSubmission{state: state, exch: exch, buffers: buffers}, nil
}

// finishLocked runs the collective part: exchange the buffers and
// store the incoming replicas. Only a fully stored exchange
// populates the store; any failure leaves it empty.
func (s *Store) finishLocked(p *pendingSubmission) error {
	received, err := p.exch.ExchangeData(p.buffers)
	if err != nil {
		s.populated = nil
		return fmt.Errorf("restore: submission exchange: %w", err)
	}
	if err := p.exch.StoreIncomingMessages(received); err != nil {
		s.populated = nil
		return fmt.Errorf("restore: store received blocks: %w", err)
	}
	s.populated = p.state
	s.log.Debug("submission complete",
		slog.Uint64("arenaBytes", p.state.storage.StoredBytes()),
		slog.Int("storedRanges", p.state.storage.StoredRanges()))
	return nil
}

func serializeAdapter[B any](s *Store, serialize SerializeFunc[B], next NextBlockFunc[B]) submission.NextSerializedFunc {
	stream := blockstore.NewStream(s.config.ConstOffset)
	return func() (types.BlockID, []byte, bool, error) {
		id, block, ok := next()
		if !ok {
			return 0, nil, false, nil
		}
		stream.Reset()
		if err := serialize(block, stream); err != nil {
			return 0, nil, false, fmt.Errorf("serialize block %d: %w", id, err)
		}
		stream.PadTo(s.config.ConstOffset)
		return id, stream.Bytes(), true, nil
	}
}
