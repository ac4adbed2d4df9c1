// Package dcpstate holds the per-partition and per-session state machines
// that track stream progress: resume points, snapshot windows, and failover
// history, guarded by condition variables the way the protocol's own
// wait/notify discipline expects.
package dcpstate

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/enesacikoglu/analytics-dcp-client/dcperr"
)

// State is a partition's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// EndOfStreamReason classifies why a partition stopped streaming.
type EndOfStreamReason int

const (
	ReasonNone EndOfStreamReason = iota
	ReasonOK
	ReasonClosedByClient
	ReasonStateChanged
	ReasonDisconnected
	ReasonSlowStream
	ReasonBackfillFail
	ReasonFilterEmpty
)

func (r EndOfStreamReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonOK:
		return "ok"
	case ReasonClosedByClient:
		return "closed-by-client"
	case ReasonStateChanged:
		return "state-changed"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonSlowStream:
		return "slow-stream"
	case ReasonBackfillFail:
		return "backfill-fail"
	case ReasonFilterEmpty:
		return "filter-empty"
	default:
		return "unknown"
	}
}

// FailoverLogEntry is one (vbucketUUID, seqno) pair, most-recent-first.
type FailoverLogEntry struct {
	VbucketUUID uint64
	Seqno       uint64
}

// StreamRequest is the value needed to (re)open a stream for a partition.
type StreamRequest struct {
	Partition          uint16
	VbucketUUID        uint64
	StartSeqno         uint64
	EndSeqno           uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
}

// EndlessEndSeqno is the sentinel EndSeqno meaning "stream until closed".
const EndlessEndSeqno uint64 = 0xFFFFFFFFFFFFFFFF

// PartitionState is the resume-point and lifecycle state for a single
// vBucket's stream. All mutation happens under mu; WaitTill* block on
// per-concern sync.Cond values guarded by the same lock.
type PartitionState struct {
	mu sync.Mutex

	id    uint16
	state State
	reason EndOfStreamReason

	startSeqno uint64
	endSeqno   uint64

	snapshotStartSeqno uint64
	snapshotEndSeqno   uint64

	vbucketUUID uint64
	failoverLog []FailoverLogEntry

	currentVBucketSeqno uint64

	pendingFailoverRequest bool
	pendingSeqRequest      bool

	failoverUpdated     *sync.Cond
	currentSeqUpdated   *sync.Cond
	streamStateChanged  *sync.Cond

	disconnected bool
}

// NewPartitionState returns a PartitionState for partition id, initially
// Disconnected with an empty resume window.
func NewPartitionState(id uint16) *PartitionState {
	p := &PartitionState{id: id, state: Disconnected, endSeqno: EndlessEndSeqno}
	p.failoverUpdated = sync.NewCond(&p.mu)
	p.currentSeqUpdated = sync.NewCond(&p.mu)
	p.streamStateChanged = sync.NewCond(&p.mu)
	return p
}

// ID returns the partition's vbucket id.
func (p *PartitionState) ID() uint16 {
	return p.id
}

// State returns the current lifecycle state.
func (p *PartitionState) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions the partition to s and signals any waiter blocked on
// Wait. Transitioning to Disconnected with reason ReasonOK means the stream
// reached its configured EndSeqno and ended cleanly.
func (p *PartitionState) SetState(s State, reason EndOfStreamReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	p.reason = reason
	p.streamStateChanged.Broadcast()
}

// Reason returns the most recent end-of-stream reason recorded by SetState.
func (p *PartitionState) Reason() EndOfStreamReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// SeqnoWindow returns the current resume window.
func (p *PartitionState) SeqnoWindow() (start, end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startSeqno, p.endSeqno
}

// SetSeqnoWindow sets the requested stream window. Called before a stream is
// (re)opened.
func (p *PartitionState) SetSeqnoWindow(start, end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startSeqno = start
	p.endSeqno = end
}

// SetSnapshotWindow sets the currently open snapshot window, used when
// (re)opening a stream with an already-known resume point.
func (p *PartitionState) SetSnapshotWindow(start, end uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshotStartSeqno = start
	p.snapshotEndSeqno = end
}

// VbucketUUID returns the failover-log entry uuid currently in use.
func (p *PartitionState) VbucketUUID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vbucketUUID
}

// SetVbucketUUID sets the uuid to use for the next stream request, e.g.
// after a server-dictated rollback.
func (p *PartitionState) SetVbucketUUID(uuid uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vbucketUUID = uuid
}

// ApplyRollback rewinds the partition's window to rollbackSeqno, per the
// server's STREAM_REQ rollback response.
func (p *PartitionState) ApplyRollback(rollbackSeqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startSeqno = rollbackSeqno
	p.snapshotStartSeqno = rollbackSeqno
	p.snapshotEndSeqno = rollbackSeqno
}

// FailoverRequest marks a GET_FAILOVER_LOG request as pending, clearing the
// condition so a subsequent WaitTillFailoverUpdated actually blocks.
func (p *PartitionState) FailoverRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingFailoverRequest = true
}

// CurrentSeqRequest marks a GET_ALL_VB_SEQNOS request as pending.
func (p *PartitionState) CurrentSeqRequest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingSeqRequest = true
}

// SetFailoverLog stores log, clears the pending flag, and wakes waiters.
func (p *PartitionState) SetFailoverLog(log []FailoverLogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failoverLog = log
	p.pendingFailoverRequest = false
	p.failoverUpdated.Broadcast()
}

// FailoverLog returns the most recently stored failover log.
func (p *PartitionState) FailoverLog() []FailoverLogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FailoverLogEntry(nil), p.failoverLog...)
}

// SetCurrentVBucketSeqno stores the observed high seqno, clears the pending
// flag, and wakes waiters.
func (p *PartitionState) SetCurrentVBucketSeqno(seqno uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentVBucketSeqno = seqno
	p.pendingSeqRequest = false
	p.currentSeqUpdated.Broadcast()
}

// CurrentVBucketSeqno returns the last observed high seqno.
func (p *PartitionState) CurrentVBucketSeqno() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentVBucketSeqno
}

// ClearDisconnected allows a reused PartitionState to participate in a new
// connection cycle after a reconnect, resetting the flag SetDisconnected
// set.
func (p *PartitionState) ClearDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = false
}

// SetDisconnected marks the owning session as torn down, waking every
// blocked waiter so it returns dcperr.SessionDisconnected instead of hanging
// forever.
func (p *PartitionState) SetDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
	p.state = Disconnected
	p.failoverUpdated.Broadcast()
	p.currentSeqUpdated.Broadcast()
	p.streamStateChanged.Broadcast()
}

// waitOn blocks on cond until pending is false, ctx is done, or the session
// disconnects. The caller must hold p.mu.
func (p *PartitionState) waitOn(ctx context.Context, cond *sync.Cond, pending func() bool) error {
	if ctx.Err() != nil {
		return dcperr.Wrap(dcperr.TimedOut, "wait on partition state")
	}

	timedOut := false
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		timedOut = true
		cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for pending() && !p.disconnected && !timedOut {
		cond.Wait()
	}

	if p.disconnected {
		return dcperr.Wrap(dcperr.SessionDisconnected, "wait on partition state")
	}

	if timedOut {
		return dcperr.Wrap(dcperr.TimedOut, "wait on partition state")
	}

	return nil
}

// WaitTillFailoverUpdated blocks until SetFailoverLog clears the pending
// flag, ctx is done, or the session disconnects.
func (p *PartitionState) WaitTillFailoverUpdated(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitOn(ctx, p.failoverUpdated, func() bool { return p.pendingFailoverRequest })
}

// WaitTillCurrentSeqUpdated blocks until SetCurrentVBucketSeqno clears the
// pending flag, ctx is done, or the session disconnects.
func (p *PartitionState) WaitTillCurrentSeqUpdated(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitOn(ctx, p.currentSeqUpdated, func() bool { return p.pendingSeqRequest })
}

// Wait blocks until State() == expected, ctx is done, or the session
// disconnects.
func (p *PartitionState) Wait(ctx context.Context, expected State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitOn(ctx, p.streamStateChanged, func() bool { return p.state != expected })
}

// UseStreamRequest builds the StreamRequest to send for this partition,
// selecting as VbucketUUID the most recent failover-log entry whose seqno is
// ≤ startSeqno. The failover log is most-recent-first, so if no entry's
// seqno satisfies that (e.g. an empty log, or every entry's seqno exceeds
// startSeqno), it falls back to entry 0 — the server will reply with a
// rollback if that guess doesn't hold.
func (p *PartitionState) UseStreamRequest() StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	var uuid uint64
	if len(p.failoverLog) > 0 {
		uuid = p.failoverLog[0].VbucketUUID
	}
	for _, entry := range p.failoverLog {
		if entry.Seqno <= p.startSeqno {
			uuid = entry.VbucketUUID
			break
		}
	}

	return StreamRequest{
		Partition:          p.id,
		VbucketUUID:        uuid,
		StartSeqno:         p.startSeqno,
		EndSeqno:           p.endSeqno,
		SnapshotStartSeqno: p.snapshotStartSeqno,
		SnapshotEndSeqno:   p.snapshotEndSeqno,
	}
}

// AdvanceSnapshot opens a new snapshot window. Invariants from the previous
// window are not enforced here; the caller (Channel's reader goroutine) is
// the sole writer and is expected to call this only on receipt of a
// SNAPSHOT_MARKER frame.
func (p *PartitionState) AdvanceSnapshot(start, end uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if end < start {
		return errors.Wrap(dcperr.InvariantViolation, "snapshot end before start")
	}

	p.snapshotStartSeqno = start
	p.snapshotEndSeqno = end
	return nil
}

// AdvanceSeqno records delivery of a mutation at seqno s. If s has reached
// endSeqno the partition transitions to Disconnected with ReasonOK, the
// "end of stream by configured window" case.
func (p *PartitionState) AdvanceSeqno(s uint64) error {
	p.mu.Lock()

	if s > p.snapshotEndSeqno {
		p.mu.Unlock()
		return errors.Wrapf(dcperr.InvariantViolation, "seqno %d beyond snapshot end %d", s, p.snapshotEndSeqno)
	}

	p.startSeqno = s

	reachedEnd := p.endSeqno != EndlessEndSeqno && s >= p.endSeqno
	p.mu.Unlock()

	if reachedEnd {
		p.SetState(Disconnected, ReasonOK)
	}
	return nil
}
