// Package submission implements the data movement of the store: the
// submission pipeline (serialize, pack per-peer buffers, exchange,
// store) and the push/pull retrieval pipelines. Everything here is
// byte level; the application block type is erased at the public API
// boundary.
package submission

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/i5heu/restore/internal/blockstore"
	"github.com/i5heu/restore/internal/distribution"
	"github.com/i5heu/restore/internal/permutation"
	"github.com/i5heu/restore/internal/ranks"
	"github.com/i5heu/restore/internal/sparse"
	"github.com/i5heu/restore/pkg/interfaces"
	"github.com/i5heu/restore/pkg/types"
	"github.com/i5heu/restore/pkg/workerpool"
)

// ErrUnrecoverableDataLoss is returned by retrieval when every
// replica of a requested range died. Only a fresh submission from the
// application can recover from this.
var ErrUnrecoverableDataLoss = errors.New("restore: every replica of a requested block range is dead")

// headerBytes is the size of one record header on the wire: two
// little-endian uint64 block ids, the low and the (inclusive) high id
// of a consecutive run.
const headerBytes = 16

// HandleBlockFunc receives one retrieved block. data aliases the
// receive buffer and is only valid during the call; id is the
// application-visible block id.
type HandleBlockFunc func(data []byte, id types.BlockID)

// NextSerializedFunc yields the next block of a submission as bytes.
// ok is false once the source is exhausted.
type NextSerializedFunc func() (id types.BlockID, data []byte, ok bool, err error)

// Exchanger wires one submission or retrieval collective. It borrows
// all its collaborators from the store and holds no state of its own
// beyond the configuration.
type Exchanger struct {
	Ranks       *ranks.Manager
	Dist        *distribution.Distribution
	Storage     *blockstore.Storage
	Perm        permutation.Permutation
	PermRange   uint64 // 0 with the identity permutation
	ConstOffset uint64
	Tag         int
	Compress    bool
	Pool        *workerpool.WorkerPool
	Log         *slog.Logger
}

// SendBuffer accumulates the wire image for one destination:
// concatenated records of header plus payload, with consecutive block
// ids coalesced into a single run.
type SendBuffer struct {
	data      []byte
	headerPos int
	lastID    types.BlockID
	hasRun    bool
}

// Bytes returns the packed wire image.
func (b *SendBuffer) Bytes() []byte { return b.data }

func (b *SendBuffer) appendBlock(id types.BlockID, payload []byte) {
	if b.hasRun && id == b.lastID+1 {
		// Extend the open run: bump the inclusive high id in place.
		binary.LittleEndian.PutUint64(b.data[b.headerPos+8:], uint64(id))
	} else {
		b.headerPos = len(b.data)
		var hdr [headerBytes]byte
		binary.LittleEndian.PutUint64(hdr[0:], uint64(id))
		binary.LittleEndian.PutUint64(hdr[8:], uint64(id))
		b.data = append(b.data, hdr[:]...)
	}
	b.data = append(b.data, payload...)
	b.lastID = id
	b.hasRun = true
}

// SerializeForTransmission drains the block source, permutes each id,
// and packs the serialized bytes into one send buffer per replica
// destination (in original rank ids).
func (e *Exchanger) SerializeForTransmission(next NextSerializedFunc) (map[types.OriginalRank]*SendBuffer, error) {
	buffers := make(map[types.OriginalRank]*SendBuffer)
	for {
		id, data, ok, err := next()
		if err != nil {
			return nil, fmt.Errorf("serialize block: %w", err)
		}
		if !ok {
			break
		}
		if uint64(id) >= e.Dist.NumBlocks() {
			return nil, fmt.Errorf("block id %d outside [0, %d)", id, e.Dist.NumBlocks())
		}
		if uint64(len(data)) != e.ConstOffset {
			return nil, fmt.Errorf("block %d serialized to %d bytes, want exactly %d", id, len(data), e.ConstOffset)
		}

		permuted := types.BlockID(e.Perm.F(uint64(id)))
		for _, dest := range e.Dist.RanksBlockIsStoredOn(permuted) {
			buf, ok := buffers[dest]
			if !ok {
				buf = &SendBuffer{}
				buffers[dest] = buf
			}
			buf.appendBlock(permuted, data)
		}
	}
	return buffers, nil
}

// ExchangeData runs the sparse all-to-all for a submission. At
// submission time the original and current namespaces coincide, so
// the original destination ids double as current ranks.
func (e *Exchanger) ExchangeData(buffers map[types.OriginalRank]*SendBuffer) ([]sparse.RecvMessage, error) {
	messages := make([]sparse.SendMessage, 0, len(buffers))
	for dest, buf := range buffers {
		cur, alive := e.Ranks.CurrentRankOf(dest)
		if !alive {
			return nil, fmt.Errorf("submission destination %d: %w", dest, interfaces.ErrPeerFailed)
		}
		payload, err := e.maybeCompress(buf.Bytes())
		if err != nil {
			return nil, err
		}
		messages = append(messages, sparse.SendMessage{Dest: cur, Data: payload})
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Dest < messages[j].Dest })

	received, err := sparse.AllToAll(e.Ranks.Comm(), e.Tag, messages)
	if err != nil {
		return nil, err
	}
	if err := e.fence(); err != nil {
		return nil, err
	}
	for i := range received {
		if received[i].Data, err = e.maybeDecompress(received[i].Data); err != nil {
			return nil, fmt.Errorf("message from %d: %w", received[i].Source, err)
		}
	}
	return received, nil
}

// fence is a fault-tolerant barrier run after every sparse
// all-to-all. All collectives share one tag; without the fence a rank
// that already finished its barrier could start the next collective
// and have its first message picked up by a peer still draining the
// previous one.
func (e *Exchanger) fence() error {
	if _, err := e.Ranks.Comm().Agree(0); err != nil {
		return fmt.Errorf("post-exchange barrier: %w", err)
	}
	return nil
}

// StoreIncomingMessages parses every received submission message and
// writes the contained replicas into local storage. With a worker
// pool, messages are dispatched in parallel; distinct messages carry
// distinct block ids, so their arena slots never overlap.
func (e *Exchanger) StoreIncomingMessages(messages []sparse.RecvMessage) error {
	if e.Log != nil {
		e.Log.Debug("storing received submission messages",
			slog.Int("messages", len(messages)),
			slog.Bool("parallel", e.Pool != nil))
	}
	if e.Pool == nil {
		for _, msg := range messages {
			if err := e.storeMessage(msg); err != nil {
				return err
			}
		}
		return nil
	}

	room := e.Pool.CreateRoom()
	for _, msg := range messages {
		msg := msg
		room.NewTask(func() error { return e.storeMessage(msg) })
	}
	return room.Wait()
}

func (e *Exchanger) storeMessage(msg sparse.RecvMessage) error {
	err := ParseRecords(msg.Data, e.ConstOffset, func(lo, hi types.BlockID, payload []byte) error {
		return e.Storage.WriteConsecutiveBlocks(lo, hi, payload)
	})
	if err != nil {
		return fmt.Errorf("submission message from rank %d: %w", msg.Source, err)
	}
	return nil
}

// ParseRecords walks a packed wire image and yields each record's
// inclusive id run together with its payload.
func ParseRecords(data []byte, constOffset uint64, fn func(lo, hi types.BlockID, payload []byte) error) error {
	off := uint64(0)
	for off < uint64(len(data)) {
		if uint64(len(data))-off < headerBytes {
			return fmt.Errorf("truncated record header at offset %d", off)
		}
		lo := types.BlockID(binary.LittleEndian.Uint64(data[off:]))
		hi := types.BlockID(binary.LittleEndian.Uint64(data[off+8:]))
		if hi < lo {
			return fmt.Errorf("inverted id run [%d, %d] at offset %d", lo, hi, off)
		}
		off += headerBytes

		payloadLen := (uint64(hi-lo) + 1) * constOffset
		if uint64(len(data))-off < payloadLen {
			return fmt.Errorf("record [%d, %d] wants %d payload bytes, %d left", lo, hi, payloadLen, uint64(len(data))-off)
		}
		if err := fn(lo, hi, data[off:off+payloadLen]); err != nil {
			return err
		}
		off += payloadLen
	}
	return nil
}
