package restore_test

import (
	"encoding/binary"
	"io"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	restore "github.com/i5heu/restore"
	"github.com/i5heu/restore/internal/memtransport"
)

// serializeUint32 writes the block value as 4 little-endian bytes.
func serializeUint32(v uint32, w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, v)
}

// intShard yields blocks [first, first+count) with the id doubling as
// the value.
func intShard(first, count uint64) restore.NextBlockFunc[uint32] {
	next := first
	return func() (restore.BlockID, uint32, bool) {
		if next >= first+count {
			return 0, 0, false
		}
		id := next
		next++
		return restore.BlockID(id), uint32(id), true
	}
}

// runJob runs fn once per rank, each on its own goroutine, and
// returns the per-rank errors.
func runJob(numRanks int, fn func(rank int, net *memtransport.Network) error) []error {
	net := memtransport.NewNetwork(numRanks)
	errs := make([]error, numRanks)
	var wg sync.WaitGroup
	for rank := 0; rank < numRanks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(rank, net)
		}(rank)
	}
	wg.Wait()
	return errs
}

func waitForDeath(net *memtransport.Network, ranks ...int) {
	for _, r := range ranks {
		for net.Alive(r) {
			runtime.Gosched()
		}
	}
}

func baseConfig() restore.Config {
	return restore.Config{
		ReplicationLevel:            3,
		OffsetMode:                  restore.OffsetModeConstant,
		ConstOffset:                 4,
		DisableBlockIDRandomization: true,
	}
}

// fullPushPlan addresses all blocks to every rank of the current
// communicator.
func fullPushPlan(total uint64, numRanks int) []restore.BlockRequest {
	plan := make([]restore.BlockRequest, numRanks)
	for r := range plan {
		plan[r] = restore.BlockRequest{Range: restore.BlockRange{Start: 0, Length: total}, Rank: r}
	}
	return plan
}

// Four ranks, k=3, c=4, 1000 ints per rank, no failures: every rank
// receives the full sequence 0..3999 in order.
func TestPushRoundTripNoFailures(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 4
		perRank  = 1000
		total    = uint64(numRanks * perRank)
	)
	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		store, err := restore.New(net.Comm(rank), baseConfig())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}

		var got []uint32
		err = store.PushBlocksCurrentRankIds(fullPushPlan(total, numRanks), func(data []byte, id restore.BlockID) {
			require.Equal(t, uint64(id), uint64(binary.LittleEndian.Uint32(data)))
			got = append(got, binary.LittleEndian.Uint32(data))
		})
		if err != nil {
			return err
		}
		require.Len(t, got, int(total))
		for i, v := range got {
			require.Equal(t, uint32(i), v, "position %d", i)
		}
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// Ranks 1 and 3 die between submission and retrieval. With k=3 every
// range keeps a survivor and both surviving ranks recover all 4000
// blocks.
func TestPushAfterTwoFailures(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 4
		perRank  = 1000
		total    = uint64(numRanks * perRank)
	)
	killed := []int{1, 3}

	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		store, err := restore.New(net.Comm(rank), baseConfig())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}
		if _, err := net.Comm(rank).Agree(0); err != nil {
			return err
		}
		if rank == killed[0] || rank == killed[1] {
			return nil
		}
		if rank == 0 {
			net.Kill(killed...)
		}
		waitForDeath(net, killed...)

		shrunk, err := net.Comm(rank).Shrink()
		if err != nil {
			return err
		}
		if err := store.UpdateComm(shrunk); err != nil {
			return err
		}
		assert.ElementsMatch(t, []restore.OriginalRank{1, 3}, store.RanksDiedSinceLastCall())
		assert.Equal(t, 2, store.NumFailuresSinceReset())

		seen := make(map[restore.BlockID]bool, total)
		err = store.PushBlocksCurrentRankIds(fullPushPlan(total, 2), func(data []byte, id restore.BlockID) {
			require.False(t, seen[id], "block %d delivered twice", id)
			seen[id] = true
			require.Equal(t, uint32(id), binary.LittleEndian.Uint32(data))
		})
		if err != nil {
			return err
		}
		require.Len(t, seen, int(total))
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// With k=2 and three dead ranks, ranges replicated only on dead ranks
// are gone for good.
func TestUnrecoverableDataLoss(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 4
		perRank  = 1000
		total    = uint64(numRanks * perRank)
	)
	killed := []int{1, 2, 3}

	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		cfg := baseConfig()
		cfg.ReplicationLevel = 2
		store, err := restore.New(net.Comm(rank), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}
		if _, err := net.Comm(rank).Agree(0); err != nil {
			return err
		}
		if rank != 0 {
			return nil
		}
		net.Kill(killed...)
		waitForDeath(net, killed...)

		shrunk, err := net.Comm(rank).Shrink()
		if err != nil {
			return err
		}
		if err := store.UpdateComm(shrunk); err != nil {
			return err
		}

		err = store.PullBlocks(
			[]restore.BlockRange{{Start: 0, Length: total}},
			func(data []byte, id restore.BlockID) {},
		)
		assert.ErrorIs(t, err, restore.ErrUnrecoverableDataLoss)
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// Pull retrieval with block-id randomization and compression on:
// every requested block arrives exactly once with the right payload.
func TestPullWithRandomizationAndCompression(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 3
		perRank  = 500
		total    = uint64(numRanks * perRank)
	)
	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		cfg := restore.Config{
			ReplicationLevel:     2,
			OffsetMode:           restore.OffsetModeConstant,
			ConstOffset:          4,
			PermutationRangeSize: 64,
			Seed:                 0x1234,
			CompressExchanges:    true,
		}
		store, err := restore.New(net.Comm(rank), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}

		// Each rank pulls a window overlapping its neighbours' data.
		start := uint64(rank) * perRank / 2
		length := total - start
		seen := make(map[restore.BlockID]bool, length)
		err = store.PullBlocks(
			[]restore.BlockRange{{Start: restore.BlockID(start), Length: length}},
			func(data []byte, id restore.BlockID) {
				require.False(t, seen[id])
				seen[id] = true
				require.Equal(t, uint32(id), binary.LittleEndian.Uint32(data))
			},
		)
		if err != nil {
			return err
		}
		require.Len(t, seen, int(length))
		for id := start; id < start+length; id++ {
			require.True(t, seen[restore.BlockID(id)], "block %d missing", id)
		}
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// After a failure mid-exchange the store stays empty and a
// re-submission on the shrunk communicator succeeds.
func TestResubmissionAfterFailure(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 3
		perRank  = 200
		total    = uint64(numRanks * perRank)
	)
	// Rank 2 dies before the submission, so the survivors' exchange
	// aborts at the first transport call.
	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		store, err := restore.New(net.Comm(rank), baseConfig())
		if err != nil {
			return err
		}
		defer store.Close()
		if rank == 2 {
			return nil
		}
		if rank == 0 {
			net.Kill(2)
		}
		waitForDeath(net, 2)

		err = restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total)
		require.ErrorIs(t, err, restore.ErrPeerFailed)

		// Retrieval on the empty store must refuse.
		err = store.PushBlocksCurrentRankIds(nil, func([]byte, restore.BlockID) {})
		require.ErrorIs(t, err, restore.ErrNoBlocksSubmitted)

		shrunk, err := net.Comm(rank).Shrink()
		if err != nil {
			return err
		}
		if err := store.UpdateComm(shrunk); err != nil {
			return err
		}

		// Re-submit the surviving shards on the shrunk communicator.
		survivingTotal := uint64(2 * perRank)
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), survivingTotal); err != nil {
			return err
		}

		seen := make(map[restore.BlockID]bool, survivingTotal)
		err = store.PushBlocksCurrentRankIds(fullPushPlan(survivingTotal, 2), func(data []byte, id restore.BlockID) {
			seen[id] = true
			require.Equal(t, uint32(id), binary.LittleEndian.Uint32(data))
		})
		if err != nil {
			return err
		}
		require.Len(t, seen, int(survivingTotal))
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestPushBlocksOriginalRankIds(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 3
		perRank  = 100
		total    = uint64(numRanks * perRank)
	)
	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		store, err := restore.New(net.Comm(rank), baseConfig())
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}
		if _, err := net.Comm(rank).Agree(0); err != nil {
			return err
		}
		if rank == 1 {
			return nil
		}
		if rank == 0 {
			net.Kill(1)
		}
		waitForDeath(net, 1)

		shrunk, err := net.Comm(rank).Shrink()
		if err != nil {
			return err
		}
		if err := store.UpdateComm(shrunk); err != nil {
			return err
		}

		// A plan addressing the dead original rank 1 must fail fast.
		badPlan := []restore.BlockRequest{{Range: restore.BlockRange{Start: 0, Length: total}, Rank: 1}}
		err = store.PushBlocksOriginalRankIds(badPlan, func([]byte, restore.BlockID) {})
		require.ErrorIs(t, err, restore.ErrPeerFailed)

		// Addressing the surviving original ranks works; original 2
		// is current 1 now.
		plan := []restore.BlockRequest{
			{Range: restore.BlockRange{Start: 0, Length: total}, Rank: 0},
			{Range: restore.BlockRange{Start: 0, Length: total}, Rank: 2},
		}
		count := 0
		err = store.PushBlocksOriginalRankIds(plan, func(data []byte, id restore.BlockID) {
			count++
		})
		if err != nil {
			return err
		}
		require.Equal(t, int(total), count)
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestAsyncSubmission(t *testing.T) {
	t.Parallel()
	const total = uint64(256)
	net := memtransport.NewNetwork(1)
	cfg := baseConfig()
	cfg.ReplicationLevel = 1
	store, err := restore.New(net.Comm(0), cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, restore.SubmitBlocksAsync(store, serializeUint32, intShard(0, total), total))

	// A competing submission is refused until Poll or Wait has
	// observed the task's completion.
	if err = restore.SubmitBlocks(store, serializeUint32, intShard(0, total), total); err != nil {
		assert.ErrorIs(t, err, restore.ErrSubmissionInProgress)
	}

	for {
		done, err := store.PollSubmitBlocksIsFinished()
		require.NoError(t, err)
		if done {
			break
		}
		runtime.Gosched()
	}
	require.NoError(t, store.WaitSubmitBlocksIsFinished())

	count := 0
	err = store.PushBlocksCurrentRankIds(fullPushPlan(total, 1), func(data []byte, id restore.BlockID) {
		require.Equal(t, uint32(id), binary.LittleEndian.Uint32(data))
		count++
	})
	require.NoError(t, err)
	assert.Equal(t, int(total), count)
}

func TestSubmitSerializedBlocks(t *testing.T) {
	t.Parallel()
	const total = uint64(64)
	net := memtransport.NewNetwork(1)
	cfg := baseConfig()
	cfg.ReplicationLevel = 1
	store, err := restore.New(net.Comm(0), cfg)
	require.NoError(t, err)
	defer store.Close()

	data := make([]byte, total*4)
	for id := uint64(0); id < total; id++ {
		binary.LittleEndian.PutUint32(data[id*4:], uint32(id))
	}
	descriptors := []restore.SerializedBlockRange{
		{Range: restore.BlockRange{Start: 0, Length: total / 2}, Data: data[:total*2]},
		{Range: restore.BlockRange{Start: restore.BlockID(total / 2), Length: total / 2}, Data: data[total*2:]},
	}
	require.NoError(t, store.SubmitSerializedBlocks(descriptors, total))

	count := 0
	err = store.PushBlocksCurrentRankIds(fullPushPlan(total, 1), func(d []byte, id restore.BlockID) {
		require.Equal(t, uint32(id), binary.LittleEndian.Uint32(d))
		count++
	})
	require.NoError(t, err)
	assert.Equal(t, int(total), count)

	// Descriptor length mismatches are usage errors.
	bad := []restore.SerializedBlockRange{{Range: restore.BlockRange{Start: 0, Length: 4}, Data: []byte{1}}}
	assert.ErrorIs(t, store.SubmitSerializedBlocks(bad, total), restore.ErrInvalidConfiguration)
}

func TestParallelDispatchSubmission(t *testing.T) {
	t.Parallel()
	const (
		numRanks = 4
		perRank  = 250
		total    = uint64(numRanks * perRank)
	)
	errs := runJob(numRanks, func(rank int, net *memtransport.Network) error {
		cfg := baseConfig()
		cfg.ParallelDispatch = true
		store, err := restore.New(net.Comm(rank), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore.SubmitBlocks(store, serializeUint32, intShard(uint64(rank)*perRank, perRank), total); err != nil {
			return err
		}
		count := 0
		err = store.PushBlocksCurrentRankIds(fullPushPlan(total, numRanks), func(data []byte, id restore.BlockID) {
			count++
		})
		if err != nil {
			return err
		}
		require.Equal(t, int(total), count)
		return nil
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	net := memtransport.NewNetwork(1)

	tests := []struct {
		name string
		cfg  restore.Config
	}{
		{"zero replication", restore.Config{OffsetMode: restore.OffsetModeConstant, ConstOffset: 4}},
		{"constant mode without offset", restore.Config{ReplicationLevel: 1, OffsetMode: restore.OffsetModeConstant}},
		{"lookup-table mode with offset", restore.Config{ReplicationLevel: 1, OffsetMode: restore.OffsetModeLookupTable, ConstOffset: 4}},
		{"too few permutation rounds", restore.Config{ReplicationLevel: 1, OffsetMode: restore.OffsetModeConstant, ConstOffset: 4, PermutationRounds: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := restore.New(net.Comm(0), tc.cfg)
			assert.ErrorIs(t, err, restore.ErrInvalidConfiguration)
		})
	}

	_, err := restore.New(nil, restore.Config{ReplicationLevel: 1, OffsetMode: restore.OffsetModeConstant, ConstOffset: 4})
	assert.ErrorIs(t, err, restore.ErrInvalidConfiguration)
}

func TestLookupTableSubmissionNotImplemented(t *testing.T) {
	t.Parallel()
	net := memtransport.NewNetwork(1)
	cfg := restore.Config{ReplicationLevel: 1, OffsetMode: restore.OffsetModeLookupTable}
	store, err := restore.New(net.Comm(0), cfg)
	require.NoError(t, err)
	defer store.Close()

	err = restore.SubmitBlocks(store, serializeUint32, intShard(0, 4), 4)
	assert.ErrorIs(t, err, restore.ErrNotImplemented)
}

func TestZeroTotalBlocksRejected(t *testing.T) {
	t.Parallel()
	net := memtransport.NewNetwork(1)
	cfg := baseConfig()
	cfg.ReplicationLevel = 1
	store, err := restore.New(net.Comm(0), cfg)
	require.NoError(t, err)
	defer store.Close()

	err = restore.SubmitBlocks(store, serializeUint32, intShard(0, 0), 0)
	assert.ErrorIs(t, err, restore.ErrInvalidConfiguration)
}

func TestInspectorsAndStats(t *testing.T) {
	t.Parallel()
	net := memtransport.NewNetwork(1)
	cfg := baseConfig()
	cfg.ReplicationLevel = 1
	store, err := restore.New(net.Comm(0), cfg)
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, 1, store.ReplicationLevel())
	mode, c := store.OffsetMode()
	assert.Equal(t, restore.OffsetModeConstant, mode)
	assert.Equal(t, uint64(4), c)

	stats := store.Stats()
	assert.Zero(t, stats.ArenaBytes)

	require.NoError(t, restore.SubmitBlocks(store, serializeUint32, intShard(0, 32), 32))
	stats = store.Stats()
	assert.Equal(t, uint64(32*4), stats.ArenaBytes)
	assert.Equal(t, 1, stats.StoredRanges)
}
