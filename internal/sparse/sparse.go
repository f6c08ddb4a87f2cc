// Package sparse implements the sparse all-to-all collective: an
// arbitrary per-rank bag of point-to-point messages is delivered
// without any prior size or count exchange.
//
// The protocol relies on synchronous-send semantics. A synchronous
// send completes only once the peer has initiated the matching
// receive, so "all my sends completed" plus a barrier entered by
// everyone means every payload in the system has been picked up.
package sparse

import (
	"fmt"
	"runtime"
	"sort"

	"github.com/i5heu/restore/pkg/interfaces"
	"github.com/i5heu/restore/pkg/types"
)

// SendMessage is one outgoing payload addressed to a current rank.
type SendMessage struct {
	Dest types.CurrentRank
	Data []byte
}

// RecvMessage is one delivered payload tagged with its source.
type RecvMessage struct {
	Source types.CurrentRank
	Data   []byte
}

// receiveNew probes for a single incoming message and, if one is
// pending, receives it into the result set.
func receiveNew(comm interfaces.Comm, tag int, result *[]RecvMessage) error {
	src, nbytes, ok, err := comm.Iprobe(tag)
	if err != nil {
		return fmt.Errorf("sparse all-to-all probe: %w", err)
	}
	if !ok {
		return nil
	}
	data, err := comm.Recv(src, tag, nbytes)
	if err != nil {
		return fmt.Errorf("sparse all-to-all receive from %d: %w", src, err)
	}
	*result = append(*result, RecvMessage{Source: types.CurrentRank(src), Data: data})
	return nil
}

// AllToAll delivers the given message bag and returns everything
// addressed to this rank, sorted by source rank. A peer failure
// aborts both phases; the partially filled result is discarded.
func AllToAll(comm interfaces.Comm, tag int, messages []SendMessage) ([]RecvMessage, error) {
	// Phase 0: post a synchronous nonblocking send per payload.
	sends := make([]interfaces.Request, len(messages))
	for i, msg := range messages {
		req, err := comm.Issend(int(msg.Dest), tag, msg.Data)
		if err != nil {
			return nil, fmt.Errorf("sparse all-to-all send to %d: %w", msg.Dest, err)
		}
		sends[i] = req
	}

	// Phase 1: receive whatever arrives until all local sends have
	// been matched by their receivers.
	var result []RecvMessage
	for {
		if err := receiveNew(comm, tag, &result); err != nil {
			return nil, err
		}
		allMatched := true
		for _, req := range sends {
			done, err := req.Test()
			if err != nil {
				return nil, fmt.Errorf("sparse all-to-all send progress: %w", err)
			}
			if !done {
				allMatched = false
				break
			}
		}
		if allMatched {
			break
		}
		runtime.Gosched()
	}

	// Phase 2: nonblocking barrier. Once it completes, every rank's
	// sends have been matched, i.e. nothing is still in flight.
	barrier, err := comm.Ibarrier()
	if err != nil {
		return nil, fmt.Errorf("sparse all-to-all barrier: %w", err)
	}
	for {
		if err := receiveNew(comm, tag, &result); err != nil {
			return nil, err
		}
		done, err := barrier.Test()
		if err != nil {
			return nil, fmt.Errorf("sparse all-to-all barrier progress: %w", err)
		}
		if done {
			break
		}
		runtime.Gosched()
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Source < result[j].Source
	})
	return result, nil
}
