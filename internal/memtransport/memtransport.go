// Package memtransport is an in-process implementation of the
// transport shim. A Network hub connects one endpoint per rank, all
// living in the same test binary with one goroutine per rank. Rank
// failures are injected with Kill and surface exactly like the
// fault-tolerant runtime's errors, so the full failure paths of the
// library can be exercised in ordinary go tests.
package memtransport

import (
	"fmt"
	"sync"

	"github.com/i5heu/restore/pkg/interfaces"
	"github.com/i5heu/restore/pkg/types"
)

// Network is the hub shared by all ranks of one simulated job.
type Network struct {
	mu        sync.Mutex
	cond      *sync.Cond
	worldSize int
	dead      []bool
	world     *commState
}

// NewNetwork creates a hub with size ranks, all alive.
func NewNetwork(size int) *Network {
	n := &Network{
		worldSize: size,
		dead:      make([]bool, size),
	}
	n.cond = sync.NewCond(&n.mu)
	members := make([]int, size)
	for i := range members {
		members[i] = i
	}
	n.world = newCommState(n, members)
	return n
}

// Comm returns rank's endpoint on the world communicator.
func (n *Network) Comm(rank int) interfaces.Comm {
	if rank < 0 || rank >= n.worldSize {
		panic(fmt.Sprintf("memtransport: rank %d outside [0, %d)", rank, n.worldSize))
	}
	return &Comm{state: n.world, rank: rank}
}

// Kill marks world ranks as failed and wakes everyone blocked in
// Agree so they observe the failure.
func (n *Network) Kill(ranks ...int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range ranks {
		n.dead[r] = true
	}
	n.cond.Broadcast()
}

// Alive reports whether a world rank is still up.
func (n *Network) Alive(rank int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.dead[rank]
}

// commState is the hub-side state of one communicator, shared by all
// its endpoints. Everything is guarded by the network mutex.
type commState struct {
	net     *Network
	members []int // comm rank -> world rank
	revoked bool

	mailboxes [][]*envelope // per destination comm rank, FIFO

	barrierCalls []int // per comm rank: number of Ibarrier calls so far
	barriers     []*generation

	agreeCalls []int
	agrees     []*generation

	shrunk map[string]*commState
}

type generation struct {
	arrived []bool
	flag    int32
}

type envelope struct {
	src     int
	tag     int
	data    []byte
	matched bool
}

func newCommState(n *Network, members []int) *commState {
	return &commState{
		net:          n,
		members:      members,
		mailboxes:    make([][]*envelope, len(members)),
		barrierCalls: make([]int, len(members)),
		agreeCalls:   make([]int, len(members)),
		shrunk:       make(map[string]*commState),
	}
}

// healthLocked reports the communicator-wide failure state: revoked
// wins over peer death, any dead member poisons the communicator.
func (cs *commState) healthLocked() error {
	if cs.revoked {
		return fmt.Errorf("memtransport: %w", interfaces.ErrCommRevoked)
	}
	for _, w := range cs.members {
		if cs.net.dead[w] {
			return fmt.Errorf("memtransport: world rank %d is down: %w", w, interfaces.ErrPeerFailed)
		}
	}
	return nil
}

func (cs *commState) generationLocked(gens *[]*generation, idx int) *generation {
	for len(*gens) <= idx {
		*gens = append(*gens, &generation{arrived: make([]bool, len(cs.members)), flag: ^int32(0)})
	}
	return (*gens)[idx]
}

// Comm is one rank's endpoint on a communicator.
type Comm struct {
	state *commState
	rank  int
}

func (c *Comm) Size() int { return len(c.state.members) }
func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Group() interfaces.Group {
	c.state.net.mu.Lock()
	defer c.state.net.mu.Unlock()
	members := make([]int, len(c.state.members))
	copy(members, c.state.members)
	return &Group{members: members, selfWorld: c.state.members[c.rank]}
}

func (c *Comm) Iprobe(tag int) (int, int, bool, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := c.state.healthLocked(); err != nil {
		return 0, 0, false, err
	}
	for _, env := range c.state.mailboxes[c.rank] {
		if env.tag == tag {
			return env.src, len(env.data), true, nil
		}
	}
	return 0, 0, false, nil
}

func (c *Comm) Recv(src, tag, nbytes int) ([]byte, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	box := c.state.mailboxes[c.rank]
	for i, env := range box {
		if env.src != src || env.tag != tag {
			continue
		}
		if len(env.data) != nbytes {
			return nil, fmt.Errorf("memtransport: receive size %d does not match probed message of %d bytes", nbytes, len(env.data))
		}
		env.matched = true
		c.state.mailboxes[c.rank] = append(box[:i], box[i+1:]...)
		data := make([]byte, len(env.data))
		copy(data, env.data)
		n.cond.Broadcast()
		return data, nil
	}
	return nil, fmt.Errorf("memtransport: no message from %d with tag %d pending", src, tag)
}

func (c *Comm) Issend(dst, tag int, payload []byte) (interfaces.Request, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := c.state.healthLocked(); err != nil {
		return nil, err
	}
	if dst < 0 || dst >= len(c.state.members) {
		return nil, fmt.Errorf("memtransport: destination rank %d outside communicator of size %d", dst, len(c.state.members))
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	env := &envelope{src: c.rank, tag: tag, data: data}
	c.state.mailboxes[dst] = append(c.state.mailboxes[dst], env)
	return &sendRequest{state: c.state, env: env}, nil
}

func (c *Comm) Ibarrier() (interfaces.Request, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := c.state.healthLocked(); err != nil {
		return nil, err
	}
	idx := c.state.barrierCalls[c.rank]
	c.state.barrierCalls[c.rank]++
	gen := c.state.generationLocked(&c.state.barriers, idx)
	gen.arrived[c.rank] = true
	return &barrierRequest{state: c.state, gen: gen}, nil
}

// Agree is the fault-tolerant consensus: it blocks until every member
// contributed its flag (the result is the bitwise AND), or until a
// member death or revocation is observed. Once every member has
// arrived the agreement is complete, even for a member that observes
// it only after a later failure.
func (c *Comm) Agree(flag int32) (int32, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := c.state.agreeCalls[c.rank]
	c.state.agreeCalls[c.rank]++
	gen := c.state.generationLocked(&c.state.agrees, idx)
	gen.arrived[c.rank] = true
	gen.flag &= flag
	n.cond.Broadcast()
	for {
		all := true
		for _, a := range gen.arrived {
			if !a {
				all = false
				break
			}
		}
		if all {
			return gen.flag, nil
		}
		if err := c.state.healthLocked(); err != nil {
			return 0, err
		}
		n.cond.Wait()
	}
}

func (c *Comm) Shrink() (interfaces.Comm, error) {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()

	selfWorld := c.state.members[c.rank]
	if n.dead[selfWorld] {
		return nil, fmt.Errorf("memtransport: cannot shrink from a dead rank: %w", interfaces.ErrPeerFailed)
	}

	survivors := make([]int, 0, len(c.state.members))
	key := ""
	for _, w := range c.state.members {
		if !n.dead[w] {
			survivors = append(survivors, w)
			key += fmt.Sprintf("%d,", w)
		}
	}

	// All survivors shrinking from the same failure pattern must end
	// up on the same communicator, so the shrunk state is cached per
	// membership.
	next, ok := c.state.shrunk[key]
	if !ok {
		next = newCommState(n, survivors)
		c.state.shrunk[key] = next
	}
	for i, w := range survivors {
		if w == selfWorld {
			return &Comm{state: next, rank: i}, nil
		}
	}
	return nil, fmt.Errorf("memtransport: rank lost during shrink: %w", interfaces.ErrPeerFailed)
}

func (c *Comm) Revoke() {
	n := c.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	c.state.revoked = true
	n.cond.Broadcast()
}

type sendRequest struct {
	state *commState
	env   *envelope
}

func (r *sendRequest) Test() (bool, error) {
	n := r.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if r.env.matched {
		return true, nil
	}
	if err := r.state.healthLocked(); err != nil {
		return false, err
	}
	return false, nil
}

type barrierRequest struct {
	state *commState
	gen   *generation
}

func (r *barrierRequest) Test() (bool, error) {
	n := r.state.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := r.state.healthLocked(); err != nil {
		return false, err
	}
	for _, a := range r.gen.arrived {
		if !a {
			return false, nil
		}
	}
	return true, nil
}

// Group is an immutable membership snapshot. Members are identified
// by their world rank, which never changes, so snapshots taken from
// different communicator epochs translate against each other.
type Group struct {
	members   []int
	selfWorld int
}

func (g *Group) Size() int { return len(g.members) }

func (g *Group) Rank() int {
	for i, w := range g.members {
		if w == g.selfWorld {
			return i
		}
	}
	return types.RankUndefined
}

func (g *Group) TranslateRanks(ids []int, dst interfaces.Group) []int {
	d := dst.(*Group)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = types.RankUndefined
		if id < 0 || id >= len(g.members) {
			continue
		}
		world := g.members[id]
		for j, w := range d.members {
			if w == world {
				out[i] = j
				break
			}
		}
	}
	return out
}

func (g *Group) Difference(other interfaces.Group) []int {
	o := other.(*Group)
	present := make(map[int]bool, len(o.members))
	for _, w := range o.members {
		present[w] = true
	}
	var out []int
	for i, w := range g.members {
		if !present[w] {
			out = append(out, i)
		}
	}
	return out
}
