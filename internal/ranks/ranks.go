// Package ranks tracks the two rank namespaces the library juggles:
// the original namespace frozen at submission time, in which all
// block-distribution math happens, and the current namespace of the
// shrinking communicator. A third snapshot backs the died-since-last-
// call notification.
package ranks

import (
	"github.com/i5heu/restore/pkg/interfaces"
	"github.com/i5heu/restore/pkg/types"
)

// Manager holds the group snapshots and the communicator they came
// from. It is not self-synchronizing; the store serializes access
// through its own mutex.
type Manager struct {
	comm        interfaces.Comm
	original    interfaces.Group
	current     interfaces.Group
	lastQueried interfaces.Group
}

// New snapshots comm's group into all three namespaces.
func New(comm interfaces.Comm) *Manager {
	g := comm.Group()
	return &Manager{
		comm:        comm,
		original:    g,
		current:     g,
		lastQueried: g,
	}
}

// Comm returns the communicator backing the current namespace.
func (m *Manager) Comm() interfaces.Comm { return m.comm }

// UpdateComm swaps in a new (shrunk) communicator and re-reads the
// current group from it. The original snapshot is untouched.
func (m *Manager) UpdateComm(newComm interfaces.Comm) {
	m.comm = newComm
	m.current = newComm.Group()
}

// ResetOriginalToCurrent pins the original namespace to the current
// one. Invoked exactly once per submission, so that distribution math
// is anchored to the ranks that actually stored the data.
func (m *Manager) ResetOriginalToCurrent() {
	m.original = m.current
}

func (m *Manager) OriginalSize() int { return m.original.Size() }
func (m *Manager) CurrentSize() int  { return m.current.Size() }

func (m *Manager) MyOriginalRank() types.OriginalRank {
	return types.OriginalRank(m.original.Rank())
}

func (m *Manager) MyCurrentRank() types.CurrentRank {
	return types.CurrentRank(m.current.Rank())
}

// NumFailuresSinceReset counts the ranks lost since the original
// namespace was pinned.
func (m *Manager) NumFailuresSinceReset() int {
	return m.OriginalSize() - m.CurrentSize()
}

// OriginalRankOf translates a current rank into the original
// namespace. The translation is always defined: every alive rank
// existed at submission.
func (m *Manager) OriginalRankOf(rank types.CurrentRank) types.OriginalRank {
	out := m.current.TranslateRanks([]int{int(rank)}, m.original)
	return types.OriginalRank(out[0])
}

// CurrentRankOf translates an original rank into the current
// namespace. The second result is false if the rank died.
func (m *Manager) CurrentRankOf(rank types.OriginalRank) (types.CurrentRank, bool) {
	out := m.original.TranslateRanks([]int{int(rank)}, m.current)
	if out[0] == types.RankUndefined {
		return types.RankUndefined, false
	}
	return types.CurrentRank(out[0]), true
}

// IsAlive reports whether an original rank is still in the current
// namespace.
func (m *Manager) IsAlive(rank types.OriginalRank) bool {
	_, alive := m.CurrentRankOf(rank)
	return alive
}

// OnlyAlive filters a list of original ranks down to the survivors,
// preserving order.
func (m *Manager) OnlyAlive(in []types.OriginalRank) []types.OriginalRank {
	ids := make([]int, len(in))
	for i, r := range in {
		ids[i] = int(r)
	}
	translated := m.original.TranslateRanks(ids, m.current)
	out := make([]types.OriginalRank, 0, len(in))
	for i, t := range translated {
		if t != types.RankUndefined {
			out = append(out, in[i])
		}
	}
	return out
}

// AliveCurrentRanks translates a list of original ranks to current
// ranks, dropping the dead ones.
func (m *Manager) AliveCurrentRanks(in []types.OriginalRank) []types.CurrentRank {
	ids := make([]int, len(in))
	for i, r := range in {
		ids[i] = int(r)
	}
	translated := m.original.TranslateRanks(ids, m.current)
	out := make([]types.CurrentRank, 0, len(in))
	for _, t := range translated {
		if t != types.RankUndefined {
			out = append(out, types.CurrentRank(t))
		}
	}
	return out
}

// RanksDiedSinceLastCall returns, in original ids, the ranks lost
// since the previous call, then advances the query snapshot.
func (m *Manager) RanksDiedSinceLastCall() []types.OriginalRank {
	died := m.lastQueried.Difference(m.current)
	out := make([]types.OriginalRank, 0, len(died))
	for _, t := range m.lastQueried.TranslateRanks(died, m.original) {
		if t != types.RankUndefined {
			out = append(out, types.OriginalRank(t))
		}
	}
	m.lastQueried = m.current
	return out
}
