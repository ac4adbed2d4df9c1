package dcpconductor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
)

// Fixer is the single long-lived reactor that repairs the channel set in
// response to events: dropped connections, topology changes, misrouted
// streams, rollbacks, and stream ends. It owns no persistent state of its
// own beyond the worker-sharding below; every fact it acts on lives on the
// Conductor, the Channels, or the PartitionStates.
type Fixer struct {
	conductor *Conductor
	bus       *dcpevents.Bus
	env       *Environment
	logger    *zap.Logger

	startedMu sync.Mutex
	started   chan struct{}

	doneMu sync.Mutex
	done   chan struct{}
}

// NewFixer constructs a Fixer driving conductor's repair logic from events
// published on bus.
func NewFixer(conductor *Conductor, bus *dcpevents.Bus, env *Environment) *Fixer {
	return &Fixer{
		conductor: conductor,
		bus:       bus,
		env:       env,
		logger:    env.Logger.With(zap.String("component", "fixer")),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run drives the reactor loop until ctx is done or a Poison event is
// consumed. Intended to be called in its own goroutine.
func (f *Fixer) Run(ctx context.Context) {
	defer close(f.done)

	workers := f.env.FixerWorkerCount
	if workers <= 1 {
		f.runSingleThreaded(ctx)
		return
	}
	f.runSharded(ctx, workers)
}

func (f *Fixer) markStarted() {
	f.startedMu.Lock()
	defer f.startedMu.Unlock()
	select {
	case <-f.started:
	default:
		close(f.started)
	}
}

// WaitTillStarted blocks until the fixer's event loop is ready to consume
// events, or ctx is done.
func (f *Fixer) WaitTillStarted(ctx context.Context) error {
	select {
	case <-f.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poison requests graceful shutdown: the reactor processes everything
// published before this call, then terminates.
func (f *Fixer) Poison() {
	f.bus.Publish(dcpevents.Poison{})
}

// Joined returns a channel closed once Run has returned.
func (f *Fixer) Joined() <-chan struct{} {
	return f.done
}

func (f *Fixer) runSingleThreaded(ctx context.Context) {
	f.markStarted()
	for {
		event, ok := f.bus.Next(ctx)
		if !ok {
			return
		}
		if event.Type() == dcpevents.TypePoison {
			return
		}
		f.handle(ctx, event)
	}
}

// runSharded distributes events to workers by partition so that events for
// the same partition are always handled by the same worker, and therefore
// stay ordered, while distinct partitions can repair concurrently.
func (f *Fixer) runSharded(ctx context.Context, workers int) {
	shardChs := make([]chan dcpevents.Event, workers)
	for i := range shardChs {
		shardChs[i] = make(chan dcpevents.Event, 64)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(ch <-chan dcpevents.Event) {
			defer wg.Done()
			for event := range ch {
				f.handle(ctx, event)
			}
		}(shardChs[i])
	}

	f.markStarted()

dispatch:
	for {
		event, ok := f.bus.Next(ctx)
		if !ok {
			break
		}
		if event.Type() == dcpevents.TypePoison {
			break
		}

		shard := f.shardFor(event) % workers
		select {
		case shardChs[shard] <- event:
		case <-ctx.Done():
			break dispatch
		}
	}

	for _, ch := range shardChs {
		close(ch)
	}
	wg.Wait()
}

func (f *Fixer) shardFor(event dcpevents.Event) int {
	switch e := event.(type) {
	case dcpevents.NotMyVbucket:
		return int(e.Partition)
	case dcpevents.StreamEnd:
		return int(e.Partition)
	case dcpevents.Rollback:
		return int(e.Partition)
	case dcpevents.FailoverLogUpdate:
		return int(e.Partition)
	case dcpevents.Fatal:
		return int(e.Partition)
	default:
		return 0
	}
}

func (f *Fixer) handle(ctx context.Context, event dcpevents.Event) {
	switch e := event.(type) {
	case dcpevents.ChannelDropped:
		f.handleChannelDropped(ctx, e)
	case dcpevents.NotMyVbucket:
		f.handleNotMyVbucket(ctx, e)
	case dcpevents.ConfigRevision:
		f.handleConfigRevision(ctx, e)
	case dcpevents.StreamEnd:
		f.handleStreamEnd(ctx, e)
	case dcpevents.Rollback:
		// PartitionState and the reopened stream are both already handled
		// by Channel.OpenStream's retry loop; this event exists for
		// observability and embedder SystemEventHandler projection.
		f.logger.Debug("rollback handled inline by channel", zap.Uint16("partition", e.Partition))
	case dcpevents.FailoverLogUpdate:
		// informational; no repair action required.
	default:
		f.logger.Debug("unhandled event", zap.Stringer("type", event.Type()))
	}
}

// handleChannelDropped enumerates the partitions the dropped channel owned,
// snapshots their resume points, removes the channel, and schedules
// reconnect/restart against each partition's current master (which may now
// be a different node after a failover).
func (f *Fixer) handleChannelDropped(ctx context.Context, e dcpevents.ChannelDropped) {
	f.logger.Warn("channel dropped", zap.String("address", e.Address), zap.Error(e.Cause))

	partitions := f.conductor.removeChannel(e.Address)

	for _, id := range partitions {
		f.reroutePartition(ctx, id)
	}
}

// reroutePartition finds the current master for partition id, ensures a
// channel exists for it, and reopens the stream from the partition's saved
// resume point.
func (f *Fixer) reroutePartition(ctx context.Context, id uint16) {
	p := f.conductor.session.Partition(id)

	ch, err := f.conductor.channelForPartition(ctx, id)
	if err != nil {
		f.logger.Error("no channel available for partition, giving up", zap.Uint16("partition", id), zap.Error(err))
		f.bus.Publish(dcpevents.Fatal{Partition: id, Cause: err})
		p.SetState(dcpstate.Disconnected, dcpstate.ReasonDisconnected)
		return
	}

	req := p.UseStreamRequest()
	if err := ch.OpenStream(ctx, req); err != nil {
		f.logger.Error("failed to reopen stream after channel drop", zap.Uint16("partition", id), zap.Error(err))
		f.bus.Publish(dcpevents.Fatal{Partition: id, Cause: err})
		p.SetState(dcpstate.Disconnected, dcpstate.ReasonDisconnected)
	}
}

func (f *Fixer) handleNotMyVbucket(ctx context.Context, e dcpevents.NotMyVbucket) {
	cfg, err := f.conductor.configProvider.Refresh(ctx, 0)
	if err != nil {
		f.logger.Error("config refresh after NotMyVbucket failed", zap.Error(err))
		return
	}
	f.conductor.applyConfig(ctx, cfg)
	f.reroutePartition(ctx, e.Partition)
}

// handleConfigRevision diffs the new config against what the Conductor
// currently has wired and closes/opens channels as needed.
func (f *Fixer) handleConfigRevision(ctx context.Context, e dcpevents.ConfigRevision) {
	f.conductor.applyConfig(ctx, e.Config)
}

func (f *Fixer) handleStreamEnd(ctx context.Context, e dcpevents.StreamEnd) {
	p := f.conductor.session.Partition(e.Partition)
	if p.Reason() == dcpstate.ReasonOK || p.Reason() == dcpstate.ReasonClosedByClient {
		return
	}
	f.reroutePartition(ctx, e.Partition)
}

// ReviveDeadConnections is invoked periodically by the Conductor's monitor
// loop for channels suspected to have a dead peer. A failed revive leaves
// the channel Disconnected — never Connected — so the next pass retries it;
// once a channel's attempts exceed env.MaxChannelRepairAttempts, every
// partition it still owns is declared Fatal instead of being retried
// forever.
func (f *Fixer) ReviveDeadConnections(ctx context.Context, channels []*Channel) {
	for _, ch := range channels {
		if !ch.IsDeadPeer() {
			continue
		}

		err := ch.Connect(ctx)
		if err == nil {
			continue
		}

		attempts := ch.IncrementRepairAttempts()
		f.logger.Warn("failed to revive dead channel", zap.String("address", ch.Address()), zap.Int("attempts", attempts), zap.Error(err))

		if attempts >= f.env.MaxChannelRepairAttempts {
			partitions := f.conductor.removeChannel(ch.Address())
			for _, id := range partitions {
				f.bus.Publish(dcpevents.Fatal{Partition: id, Cause: err})
				f.conductor.session.Partition(id).SetState(dcpstate.Disconnected, dcpstate.ReasonDisconnected)
			}
		}
	}
}
