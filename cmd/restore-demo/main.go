// Command restore-demo runs a small simulated job on the in-process
// transport: every rank submits a shard of integers, two ranks are
// killed, and the survivors restore the full data set from the
// remaining replicas.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	restore "github.com/i5heu/restore"
	"github.com/i5heu/restore/internal/memtransport"
)

var log = logrus.New()

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		numRanks   = flag.Int("ranks", 4, "simulated rank count")
		perRank    = flag.Uint64("blocks", 1000, "blocks submitted per rank")
	)
	flag.Parse()

	cfg := restore.Config{
		ReplicationLevel: 3,
		OffsetMode:       restore.OffsetModeConstant,
		ConstOffset:      8,
	}
	if *configPath != "" {
		loaded, err := restore.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Fatal("load config")
		}
		cfg = loaded
	}

	if err := run(cfg, *numRanks, *perRank); err != nil {
		log.WithError(err).Fatal("demo failed")
	}
	log.Info("all blocks restored from surviving replicas")
}

func run(cfg restore.Config, numRanks int, perRank uint64) error {
	net := memtransport.NewNetwork(numRanks)
	total := uint64(numRanks) * perRank
	killed := []int{1, numRanks - 1}

	var wg sync.WaitGroup
	errs := make([]error, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = runRank(net, cfg, rank, numRanks, perRank, total, killed)
		}(rank)
	}
	wg.Wait()

	for rank, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", rank, err)
		}
	}
	return nil
}

func runRank(net *memtransport.Network, cfg restore.Config, rank, numRanks int, perRank, total uint64, killed []int) error {
	store, err := restore.New(net.Comm(rank), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Submit this rank's shard of consecutive uint64 values.
	next := shard(rank, perRank)
	serialize := func(v uint64, w io.Writer) error {
		return binary.Write(w, binary.LittleEndian, v)
	}
	if err := restore.SubmitBlocks(store, serialize, next, total); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	log.WithFields(logrus.Fields{"rank": rank, "blocks": perRank}).Info("shard submitted")

	// Barrier so nobody dies before everyone finished submitting,
	// then take the configured ranks down.
	if _, err := net.Comm(rank).Agree(0); err != nil {
		return err
	}
	for _, k := range killed {
		if rank == k {
			return nil // this rank "crashes" here
		}
	}
	if rank == 0 {
		net.Kill(killed...)
		log.WithField("ranks", killed).Warn("simulated rank failures")
	}
	for _, k := range killed {
		for net.Alive(k) {
			runtime.Gosched()
		}
	}

	shrunk, err := net.Comm(rank).Shrink()
	if err != nil {
		return fmt.Errorf("shrink: %w", err)
	}
	if err := store.UpdateComm(shrunk); err != nil {
		return err
	}
	if died := store.RanksDiedSinceLastCall(); rank == 0 && len(died) > 0 {
		log.WithField("originalRanks", died).Info("ranks reported dead")
	}

	// Every survivor pulls the complete data set back.
	var restored uint64
	var corrupt error
	err = store.PullBlocks(
		[]restore.BlockRange{{Start: 0, Length: total}},
		func(data []byte, id restore.BlockID) {
			if binary.LittleEndian.Uint64(data) != uint64(id) {
				corrupt = fmt.Errorf("block %d corrupted", id)
			}
			restored++
		},
	)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if corrupt != nil {
		return corrupt
	}
	if restored != total {
		return fmt.Errorf("restored %d of %d blocks", restored, total)
	}
	log.WithFields(logrus.Fields{"rank": rank, "restored": restored}).Info("shard recovered")
	return nil
}

// shard yields the block ids [rank*perRank, (rank+1)*perRank) with
// the id doubling as the payload.
func shard(rank int, perRank uint64) restore.NextBlockFunc[uint64] {
	next := uint64(rank) * perRank
	end := next + perRank
	return func() (restore.BlockID, uint64, bool) {
		if next >= end {
			return 0, 0, false
		}
		id := next
		next++
		return restore.BlockID(id), id, true
	}
}
