// Package interfaces defines the transport abstractions the restore
// library consumes. The actual message-delivery runtime lives outside
// the library; anything that can provide nonblocking point-to-point
// sends, probes, a nonblocking barrier, and group bookkeeping can back
// a Comm.
package interfaces

// Request is a handle to an in-flight nonblocking operation. Test
// never blocks; it reports completion and surfaces transport errors
// (peer failure, revocation) observed while progressing the
// operation.
type Request interface {
	Test() (done bool, err error)
}

// Group is an immutable snapshot of a rank namespace. The library
// keeps several snapshots of the same communicator (original at
// submission, current, last queried) and translates ranks between
// them.
type Group interface {
	// Size returns the number of members.
	Size() int
	// Rank returns the position of the local process in the group, or
	// types.RankUndefined if the local process is not a member.
	Rank() int
	// TranslateRanks maps member positions of this group into
	// positions in dst. Entries with no translation (the member is
	// not in dst) come back as types.RankUndefined.
	TranslateRanks(ids []int, dst Group) []int
	// Difference returns the positions, in this group's namespace, of
	// members present here but absent from other.
	Difference(other Group) []int
}

// Comm is the communicator the library runs on. All rank arguments
// and results are in the communicator's own (current) namespace.
//
// Methods that can observe a peer failure return an error that
// errors.Is-matches ErrPeerFailed; operations on a revoked
// communicator match ErrCommRevoked.
type Comm interface {
	Size() int
	Rank() int
	Group() Group

	// Iprobe checks, without blocking, for an incoming message with
	// the given tag. On a hit it reports the source rank and payload
	// size; the message stays queued until Recv picks it up.
	Iprobe(tag int) (src int, nbytes int, ok bool, err error)
	// Recv receives the message previously reported by Iprobe. The
	// size must match the probed size.
	Recv(src, tag, nbytes int) ([]byte, error)
	// Issend starts a synchronous nonblocking send: the returned
	// request completes only after the receiver has initiated the
	// matching Recv. The payload must stay untouched until then.
	Issend(dst, tag int, payload []byte) (Request, error)
	// Ibarrier starts a nonblocking barrier over all members.
	Ibarrier() (Request, error)

	// Agree is a fault-tolerant consensus over flag. It acts as a
	// barrier that also surfaces peer failures on every member.
	Agree(flag int32) (int32, error)
	// Shrink builds a new communicator containing only the surviving
	// members, densely renumbered.
	Shrink() (Comm, error)
	// Revoke marks the communicator unusable on all members, so that
	// ranks blocked in progress loops observe the failure too.
	Revoke()
}
