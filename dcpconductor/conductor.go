package dcpconductor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/bucketconfig"
	"github.com/enesacikoglu/analytics-dcp-client/dcperr"
	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmetrics"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
)

// Conductor is the public coordinator: it owns the channel map, the shared
// session state, and the fixer, and is the entry point embedders drive.
type Conductor struct {
	env     *Environment
	handler DataEventHandler
	metrics *dcpmetrics.Collectors
	logger  *zap.Logger

	configProvider bucketconfig.Provider

	bus         *dcpevents.Bus
	fixer       *Fixer
	fixerCtx    context.Context
	fixerCancel context.CancelFunc

	session *dcpstate.SessionState

	channelsMu sync.Mutex
	channels   map[string]*Channel

	config *bucketconfig.Config

	connectedMu sync.Mutex
	connected   bool

	monitorCancel context.CancelFunc
}

// ConductorOptions configures a Conductor.
type ConductorOptions struct {
	Environment    *Environment
	ConfigProvider bucketconfig.Provider
	Handler        DataEventHandler
	Metrics        *dcpmetrics.Collectors
}

// NewConductor constructs a disconnected Conductor.
func NewConductor(opts ConductorOptions) *Conductor {
	env := opts.Environment.WithDefaults()

	return &Conductor{
		env:            &env,
		handler:        opts.Handler,
		metrics:        opts.Metrics,
		logger:         env.Logger.With(zap.String("component", "conductor")),
		configProvider: opts.ConfigProvider,
		bus:            dcpevents.NewBus(),
		channels:       make(map[string]*Channel),
	}
}

// Connect fetches the bucket config, creates the session state, and marks
// the Conductor connected. Idempotent: a second call while already
// connected is a no-op.
func (c *Conductor) Connect(ctx context.Context) error {
	c.connectedMu.Lock()
	if c.connected {
		c.connectedMu.Unlock()
		return nil
	}
	c.connectedMu.Unlock()

	cfg, err := c.configProvider.Refresh(ctx, 0)
	if err != nil {
		return err
	}

	c.config = cfg

	if c.session == nil {
		c.session = dcpstate.NewSessionState(cfg.NumPartitions)
	}
	c.session.SetConnected()

	c.connectedMu.Lock()
	c.connected = true
	c.connectedMu.Unlock()

	c.logger.Info("conductor connected", zap.Int("partitions", cfg.NumPartitions))
	return nil
}

// EstablishDcpConnections starts the fixer and opens one Channel per master
// node for every partition that node currently masters, then opens a stream
// for each.
func (c *Conductor) EstablishDcpConnections(ctx context.Context) error {
	c.fixerCtx, c.fixerCancel = context.WithCancel(context.Background())
	c.fixer = NewFixer(c, c.bus, c.env)
	go c.fixer.Run(c.fixerCtx)

	if err := c.fixer.WaitTillStarted(ctx); err != nil {
		return err
	}

	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	c.monitorCancel = monitorCancel
	go c.monitorDeadPeers(monitorCtx)

	watchCh, err := c.configProvider.Watch(ctx)
	if err == nil {
		go c.watchConfig(watchCh)
	} else {
		c.logger.Warn("config watch unavailable, topology changes will not be observed", zap.Error(err))
	}

	return c.establishDcpConnections(ctx)
}

func (c *Conductor) establishDcpConnections(ctx context.Context) error {
	for partition := 0; partition < c.config.NumPartitions; partition++ {
		ch, err := c.channelForPartition(ctx, uint16(partition))
		if err != nil {
			return errors.Wrapf(err, "dcpconductor: establishing channel for partition %d", partition)
		}

		p := c.session.Partition(uint16(partition))
		req := p.UseStreamRequest()
		if err := ch.OpenStream(ctx, req); err != nil {
			return errors.Wrapf(err, "dcpconductor: opening stream for partition %d", partition)
		}
	}
	return nil
}

func (c *Conductor) watchConfig(ch <-chan *bucketconfig.Config) {
	for cfg := range ch {
		c.bus.Publish(dcpevents.ConfigRevision{Config: cfg})
	}
}

func (c *Conductor) monitorDeadPeers(ctx context.Context) {
	ticker := time.NewTicker(c.env.DeadConnectionDetectionInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.fixer.ReviveDeadConnections(ctx, c.listChannelsLocked())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conductor) listChannelsLocked() []*Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// masterChannelByPartition resolves the channel for partition's current
// master node. A missing channel after a successful config fetch means the
// channel map has drifted from the config, a programming invariant this
// client does not expect to violate.
func (c *Conductor) masterChannelByPartition(partition uint16) (*Channel, error) {
	nodeIdx, err := c.config.MasterOf(int(partition))
	if err != nil {
		return nil, err
	}

	address := c.config.Nodes[nodeIdx].Address(c.env.TLSConfig != nil)

	c.channelsMu.Lock()
	ch := c.channels[address]
	c.channelsMu.Unlock()

	if ch == nil {
		return nil, errors.Wrapf(dcperr.InvariantViolation, "no channel for master of partition %d (%s)", partition, address)
	}
	return ch, nil
}

// channelForPartition returns an existing, connected channel for
// partition's master node, creating and connecting one if none exists yet.
func (c *Conductor) channelForPartition(ctx context.Context, partition uint16) (*Channel, error) {
	nodeIdx, err := c.config.MasterOf(int(partition))
	if err != nil {
		return nil, err
	}

	address := c.config.Nodes[nodeIdx].Address(c.env.TLSConfig != nil)

	c.channelsMu.Lock()
	ch, ok := c.channels[address]
	if !ok {
		ch = NewChannel(address, c.env, c.bus, c.session, c.metrics, c.handler)
		c.channels[address] = ch
	}
	c.channelsMu.Unlock()

	if ch.State() != ChannelConnected {
		if err := ch.Connect(ctx); err != nil {
			return nil, err
		}
	}

	return ch, nil
}

// removeChannel deletes address from the channel map and returns the
// partition ids it owned, for the caller to reroute.
func (c *Conductor) removeChannel(address string) []uint16 {
	c.channelsMu.Lock()
	ch, ok := c.channels[address]
	if ok {
		delete(c.channels, address)
	}
	c.channelsMu.Unlock()

	if !ok {
		return nil
	}
	return ch.Partitions()
}

// applyConfig diffs cfg against the Conductor's current config, closing
// channels for nodes that no longer master anything, opening channels for
// newly responsible nodes, and rerouting partitions whose master changed.
func (c *Conductor) applyConfig(ctx context.Context, cfg *bucketconfig.Config) {
	old := c.config
	c.config = cfg

	if old == nil {
		return
	}

	n := cfg.NumPartitions
	if old.NumPartitions < n {
		n = old.NumPartitions
	}

	for partition := 0; partition < n; partition++ {
		oldMaster, oldErr := old.MasterOf(partition)
		newMaster, newErr := cfg.MasterOf(partition)
		if newErr != nil {
			continue
		}
		if oldErr == nil && oldMaster == newMaster {
			continue
		}

		p := c.session.Partition(uint16(partition))
		if p.State() != dcpstate.Connected {
			continue
		}

		oldAddress := ""
		if oldErr == nil {
			oldAddress = old.Nodes[oldMaster].Address(c.env.TLSConfig != nil)
		}
		if oldAddress != "" {
			c.channelsMu.Lock()
			oldChannel := c.channels[oldAddress]
			c.channelsMu.Unlock()
			if oldChannel != nil {
				_ = oldChannel.CloseStream(ctx, uint16(partition))
			}
		}

		newCh, err := c.channelForPartition(ctx, uint16(partition))
		if err != nil {
			c.logger.Error("failed to open channel for rerouted partition", zap.Int("partition", partition), zap.Error(err))
			continue
		}

		req := p.UseStreamRequest()
		if err := newCh.OpenStream(ctx, req); err != nil {
			c.logger.Error("failed to reopen stream after topology change", zap.Int("partition", partition), zap.Error(err))
		}
	}

	c.pruneStaleChannels(ctx, cfg)
}

// pruneStaleChannels closes and removes channels to nodes that are no
// longer mastering any partition in cfg.
func (c *Conductor) pruneStaleChannels(ctx context.Context, cfg *bucketconfig.Config) {
	live := make(map[string]struct{}, len(cfg.Nodes))
	for partition := 0; partition < cfg.NumPartitions; partition++ {
		if idx, err := cfg.MasterOf(partition); err == nil {
			live[cfg.Nodes[idx].Address(c.env.TLSConfig != nil)] = struct{}{}
		}
	}

	c.channelsMu.Lock()
	var stale []*Channel
	for addr, ch := range c.channels {
		if _, ok := live[addr]; !ok {
			stale = append(stale, ch)
			delete(c.channels, addr)
		}
	}
	c.channelsMu.Unlock()

	for _, ch := range stale {
		_ = ch.Close(ctx, true)
	}
}

// StartStreamForPartition opens a stream for req on the channel mastering
// req.Partition.
func (c *Conductor) StartStreamForPartition(ctx context.Context, req dcpstate.StreamRequest) error {
	ch, err := c.channelForPartition(ctx, req.Partition)
	if err != nil {
		return err
	}
	return ch.OpenStream(ctx, req)
}

// StopStreamForPartition closes the stream for partition on its current
// master channel.
func (c *Conductor) StopStreamForPartition(ctx context.Context, partition uint16) error {
	ch, err := c.masterChannelByPartition(partition)
	if err != nil {
		return err
	}
	return ch.CloseStream(ctx, partition)
}

// GetSeqnos fetches the current high seqno for every partition, bounded by
// env.SeqnoTimeout.
func (c *Conductor) GetSeqnos(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.env.SeqnoTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errsCh := make(chan error, len(c.listChannelsLocked()))

	for _, ch := range c.listChannelsLocked() {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			if err := ch.GetSeqnos(ctx); err != nil {
				errsCh <- err
			}
		}(ch)
	}

	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetFailoverLog fetches the failover log for partition from its master
// channel.
func (c *Conductor) GetFailoverLog(ctx context.Context, partition uint16) error {
	ctx, cancel := context.WithTimeout(ctx, c.env.SeqnoTimeout)
	defer cancel()

	ch, err := c.masterChannelByPartition(partition)
	if err != nil {
		return err
	}
	return ch.GetFailoverLog(ctx, partition)
}

// ListChannels implements dcpmetrics.ChannelLister.
func (c *Conductor) ListChannels() []dcpmetrics.ChannelSnapshot {
	channels := c.listChannelsLocked()
	out := make([]dcpmetrics.ChannelSnapshot, len(channels))
	for i, ch := range channels {
		out[i] = dcpmetrics.ChannelSnapshot{
			Address:    ch.Address(),
			State:      channelStateString(ch.State()),
			Partitions: ch.Partitions(),
		}
	}
	return out
}

func channelStateString(s ChannelState) string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Disconnect tears everything down: poisons the fixer, closes every
// channel, and marks the session disconnected. If wait is true it blocks
// until the fixer goroutine has joined. Safe to call from a SystemEventHandler
// reacting to a Fatal event, even with wait=true: Bus delivers events to
// observers from its own dispatch goroutine, so that call can never land on
// the Fixer's own goroutine and self-join.
func (c *Conductor) Disconnect(wait bool) error {
	c.connectedMu.Lock()
	if !c.connected {
		c.connectedMu.Unlock()
		return nil
	}
	c.connected = false
	c.connectedMu.Unlock()

	if c.monitorCancel != nil {
		c.monitorCancel()
	}

	if c.fixer != nil {
		c.fixer.Poison()
		if c.fixerCancel != nil {
			defer c.fixerCancel()
		}
		if wait {
			<-c.fixer.Joined()
		}
	}

	ctx := context.Background()
	c.channelsMu.Lock()
	channels := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[string]*Channel)
	c.channelsMu.Unlock()

	for _, ch := range channels {
		_ = ch.Close(ctx, true)
	}

	if c.session != nil {
		c.session.SetDisconnected()
	}

	c.bus.Close()

	c.logger.Info("conductor disconnected")
	return nil
}

// Subscribe registers fn as a passive observer of every event published on
// the conductor's bus, for embedders that want to project dcpevents without
// interfering with the fixer's own consumption of the same queue.
func (c *Conductor) Subscribe(fn func(dcpevents.Event)) {
	c.bus.Subscribe(fn)
}

// Connected reports whether the conductor is currently connected.
func (c *Conductor) Connected() bool {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	return c.connected
}
