package dcpconductor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/bucketconfig"
	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
)

func TestChannelStateString(t *testing.T) {
	require.Equal(t, "disconnected", channelStateString(ChannelDisconnected))
	require.Equal(t, "connecting", channelStateString(ChannelConnecting))
	require.Equal(t, "connected", channelStateString(ChannelConnected))
	require.Equal(t, "disconnecting", channelStateString(ChannelDisconnecting))
}

func newTestConductor(numPartitions int) *Conductor {
	env := testEnvironment()
	return &Conductor{
		env:      env,
		logger:   zap.NewNop(),
		bus:      dcpevents.NewBus(),
		channels: make(map[string]*Channel),
		session:  dcpstate.NewSessionState(numPartitions),
	}
}

func twoNodeConfig(partition0Master, partition1Master int) *bucketconfig.Config {
	return &bucketconfig.Config{
		NumPartitions: 2,
		Nodes: []bucketconfig.Node{
			{Host: "node-a", KVPort: 11210},
			{Host: "node-b", KVPort: 11210},
		},
		VBucketMap: [][]int{
			{partition0Master},
			{partition1Master},
		},
	}
}

// applyConfig only reroutes partitions that are currently Connected; for a
// partition that was never opened it just records the new config and leaves
// the channel map untouched.
func TestApplyConfigSkipsPartitionsThatAreNotConnected(t *testing.T) {
	c := newTestConductor(2)
	c.config = twoNodeConfig(0, 0)

	c.applyConfig(context.Background(), twoNodeConfig(1, 0))

	require.Empty(t, c.channels)
	require.Equal(t, 1, c.config.VBucketMap[0][0])
}

// pruneStaleChannels removes channel map entries for nodes no longer
// mastering any partition in the new config, without touching live ones.
func TestPruneStaleChannelsRemovesUnreferencedNodes(t *testing.T) {
	c := newTestConductor(2)

	live := NewChannel("node-a:11210", c.env, c.bus, c.session, nil, nil)
	stale := NewChannel("node-c:11210", c.env, c.bus, c.session, nil, nil)
	c.channels["node-a:11210"] = live
	c.channels["node-c:11210"] = stale

	cfg := &bucketconfig.Config{
		NumPartitions: 1,
		Nodes:         []bucketconfig.Node{{Host: "node-a", KVPort: 11210}},
		VBucketMap:    [][]int{{0}},
	}

	c.pruneStaleChannels(context.Background(), cfg)

	require.Contains(t, c.channels, "node-a:11210")
	require.NotContains(t, c.channels, "node-c:11210")
}

func TestRemoveChannelReturnsOwnedPartitionsAndDeletesEntry(t *testing.T) {
	c := newTestConductor(3)
	ch := NewChannel("node-a:11210", c.env, c.bus, c.session, nil, nil)
	ch.partitions[0] = struct{}{}
	ch.partitions[2] = struct{}{}
	c.channels["node-a:11210"] = ch

	ids := c.removeChannel("node-a:11210")

	require.ElementsMatch(t, []uint16{0, 2}, ids)
	require.NotContains(t, c.channels, "node-a:11210")
}

func TestListChannelsReflectsCurrentMap(t *testing.T) {
	c := newTestConductor(1)
	ch := NewChannel("node-a:11210", c.env, c.bus, c.session, nil, nil)
	c.channels["node-a:11210"] = ch

	snapshots := c.ListChannels()

	require.Len(t, snapshots, 1)
	require.Equal(t, "node-a:11210", snapshots[0].Address)
	require.Equal(t, "disconnected", snapshots[0].State)
}

func TestConnectedReflectsConnectState(t *testing.T) {
	c := newTestConductor(1)
	require.False(t, c.Connected())

	c.connected = true
	require.True(t, c.Connected())
}
