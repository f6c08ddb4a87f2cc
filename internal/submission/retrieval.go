package submission

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/i5heu/restore/internal/distribution"
	"github.com/i5heu/restore/internal/sparse"
	"github.com/i5heu/restore/pkg/types"
)

// planEntry is one contiguous piece of permuted block-id space with
// the rank it travels to (send plan) or comes from (recv plan), in
// current rank ids.
type planEntry struct {
	permStart types.BlockID
	length    uint64
	rank      types.CurrentRank
}

func sortPlan(plan []planEntry) {
	sort.Slice(plan, func(i, j int) bool {
		if plan[i].rank != plan[j].rank {
			return plan[i].rank < plan[j].rank
		}
		return plan[i].permStart < plan[j].permStart
	})
}

// servingRank picks the replica that answers requests for a primary
// range: the first rank of the rotation whose translation into the
// current namespace is still defined.
func (e *Exchanger) servingRank(r distribution.Range) (types.OriginalRank, types.CurrentRank, error) {
	for _, orig := range e.Dist.RanksBlockRangeIsStoredOn(r) {
		if cur, alive := e.Ranks.CurrentRankOf(orig); alive {
			return orig, cur, nil
		}
	}
	return 0, 0, fmt.Errorf("%s: %w", r, ErrUnrecoverableDataLoss)
}

// buildPushPlans maps the caller's application-id requests through
// the permutation and the distribution. The send plan covers the
// pieces this rank serves; the recv plan covers the pieces addressed
// to this rank, with their serving source. Both come back sorted by
// (rank, permuted start), which fixes the dispatch order.
func (e *Exchanger) buildPushPlans(requests []types.BlockRequest) (send, recv []planEntry, err error) {
	myOriginal := e.Ranks.MyOriginalRank()
	myCurrent := e.Ranks.MyCurrentRank()

	for _, req := range requests {
		pos := req.Range.Start
		for pos < req.Range.End() {
			// Application ids within one permutation range stay
			// contiguous after permuting, so walk the request in
			// permutation-range-aligned chunks.
			chunkEnd := req.Range.End()
			if e.PermRange > 0 {
				alignedEnd := types.BlockID((uint64(pos)/e.PermRange + 1) * e.PermRange)
				if alignedEnd < chunkEnd {
					chunkEnd = alignedEnd
				}
			}
			permStart := types.BlockID(e.Perm.F(uint64(pos)))
			chunkLen := uint64(chunkEnd - pos)

			// A permuted chunk may still straddle primary ranges;
			// split it so every piece has a single replica set.
			p := permStart
			for p < permStart+types.BlockID(chunkLen) {
				dr := e.Dist.RangeOfBlock(p)
				pieceEnd := permStart + types.BlockID(chunkLen)
				if dr.End() < pieceEnd {
					pieceEnd = dr.End()
				}
				servingOrig, servingCur, err := e.servingRank(dr)
				if err != nil {
					return nil, nil, err
				}
				if servingOrig == myOriginal {
					send = append(send, planEntry{permStart: p, length: uint64(pieceEnd - p), rank: types.CurrentRank(req.Rank)})
				}
				if types.CurrentRank(req.Rank) == myCurrent {
					recv = append(recv, planEntry{permStart: p, length: uint64(pieceEnd - p), rank: servingCur})
				}
				p = pieceEnd
			}
			pos = chunkEnd
		}
	}
	sortPlan(send)
	sortPlan(recv)
	return send, recv, nil
}

// packSendPlan materializes a sorted send plan into one raw buffer
// per destination, bytes in plan order. No headers: the receiver's
// plan is sorted identically and fixes the framing.
func (e *Exchanger) packSendPlan(plan []planEntry) ([]sparse.SendMessage, error) {
	var messages []sparse.SendMessage
	for i := 0; i < len(plan); {
		dest := plan[i].rank
		var buf []byte
		for ; i < len(plan) && plan[i].rank == dest; i++ {
			entry := plan[i]
			err := e.Storage.ForAllBlocks(
				types.BlockRange{Start: entry.permStart, Length: entry.length},
				func(data []byte, _ types.BlockID) {
					buf = append(buf, data...)
				},
			)
			if err != nil {
				return nil, fmt.Errorf("pack blocks for rank %d: %w", dest, err)
			}
		}
		payload, err := e.maybeCompress(buf)
		if err != nil {
			return nil, err
		}
		messages = append(messages, sparse.SendMessage{Dest: dest, Data: payload})
	}
	return messages, nil
}

// dispatch walks the sorted recv plan against the received messages
// and hands every block to the caller in plan order: sources in
// ascending current-rank order, permuted ids ascending within each
// source. The callback sees application ids.
func (e *Exchanger) dispatch(recv []planEntry, messages []sparse.RecvMessage, handle HandleBlockFunc) error {
	offsets := make(map[types.CurrentRank]int, len(messages))
	bySource := make(map[types.CurrentRank][]byte, len(messages))
	for i := range messages {
		data, err := e.maybeDecompress(messages[i].Data)
		if err != nil {
			return fmt.Errorf("message from %d: %w", messages[i].Source, err)
		}
		bySource[messages[i].Source] = data
	}

	for _, entry := range recv {
		data, ok := bySource[entry.rank]
		if !ok {
			return fmt.Errorf("no message from serving rank %d", entry.rank)
		}
		need := entry.length * e.ConstOffset
		off := offsets[entry.rank]
		if uint64(len(data)-off) < need {
			return fmt.Errorf("message from rank %d too short: want %d more bytes, have %d", entry.rank, need, len(data)-off)
		}
		for i := uint64(0); i < entry.length; i++ {
			permuted := entry.permStart + types.BlockID(i)
			block := data[off+int(i*e.ConstOffset) : off+int((i+1)*e.ConstOffset)]
			handle(block, types.BlockID(e.Perm.FInv(uint64(permuted))))
		}
		offsets[entry.rank] = off + int(need)
	}

	for src, data := range bySource {
		if offsets[src] != len(data) {
			return fmt.Errorf("message from rank %d has %d trailing bytes", src, len(data)-offsets[src])
		}
	}
	return nil
}

// PushBlocks executes the push retrieval: every rank knows the full
// plan, serves its share, and receives its own share.
func (e *Exchanger) PushBlocks(requests []types.BlockRequest, handle HandleBlockFunc) error {
	send, recv, err := e.buildPushPlans(requests)
	if err != nil {
		return err
	}
	messages, err := e.packSendPlan(send)
	if err != nil {
		return err
	}
	received, err := sparse.AllToAll(e.Ranks.Comm(), e.Tag, messages)
	if err != nil {
		return err
	}
	if err := e.fence(); err != nil {
		return err
	}
	return e.dispatch(recv, received, handle)
}

// PullBlocks executes the pull retrieval: this rank only knows what
// it needs. The local receive plan is forwarded to the serving ranks
// as a control round; the servers then push the payload back in a
// second data round. A fault-tolerant barrier separates the rounds so
// their nonblocking barriers cannot race on the shared tag.
func (e *Exchanger) PullBlocks(blockRanges []types.BlockRange, handle HandleBlockFunc) error {
	myCurrent := e.Ranks.MyCurrentRank()
	requests := make([]types.BlockRequest, 0, len(blockRanges))
	for _, r := range blockRanges {
		if r.Length == 0 {
			continue
		}
		requests = append(requests, types.BlockRequest{Range: r, Rank: int(myCurrent)})
	}

	_, recv, err := e.buildPushPlans(requests)
	if err != nil {
		return err
	}

	// Control round: tell every serving rank which permuted pieces
	// this rank wants from it.
	var control []sparse.SendMessage
	for i := 0; i < len(recv); {
		server := recv[i].rank
		var buf []byte
		for ; i < len(recv) && recv[i].rank == server; i++ {
			var rec [16]byte
			binary.LittleEndian.PutUint64(rec[0:], uint64(recv[i].permStart))
			binary.LittleEndian.PutUint64(rec[8:], recv[i].length)
			buf = append(buf, rec[:]...)
		}
		control = append(control, sparse.SendMessage{Dest: server, Data: buf})
	}
	comm := e.Ranks.Comm()
	controlReceived, err := sparse.AllToAll(comm, e.Tag, control)
	if err != nil {
		return err
	}

	if _, err := comm.Agree(0); err != nil {
		return fmt.Errorf("barrier between pull rounds: %w", err)
	}

	// Data round: serve every piece requested of this rank.
	var send []planEntry
	for _, msg := range controlReceived {
		if len(msg.Data)%16 != 0 {
			return fmt.Errorf("malformed pull request from rank %d: %d bytes", msg.Source, len(msg.Data))
		}
		for off := 0; off < len(msg.Data); off += 16 {
			send = append(send, planEntry{
				permStart: types.BlockID(binary.LittleEndian.Uint64(msg.Data[off:])),
				length:    binary.LittleEndian.Uint64(msg.Data[off+8:]),
				rank:      msg.Source,
			})
		}
	}
	sortPlan(send)
	messages, err := e.packSendPlan(send)
	if err != nil {
		return err
	}
	received, err := sparse.AllToAll(comm, e.Tag, messages)
	if err != nil {
		return err
	}
	if err := e.fence(); err != nil {
		return err
	}
	return e.dispatch(recv, received, handle)
}
