package dcpmetrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

type fakeChannelLister struct {
	snapshots []ChannelSnapshot
}

func (f fakeChannelLister) ListChannels() []ChannelSnapshot {
	return f.snapshots
}

func TestCollectorsRegisterWithoutPanicking(t *testing.T) {
	c := NewCollectors()
	c.BytesAcked.Add(10)
	c.MutationsDelivered.WithLabelValues("MUTATION").Inc()
	c.ChannelsDropped.Inc()
	c.ActiveStreams.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "dcp_bytes_acked_total")
}

func TestDebugServerHandleChannels(t *testing.T) {
	d := NewDebugServer(DebugServerOptions{
		Collectors: NewCollectors(),
		Channels: fakeChannelLister{snapshots: []ChannelSnapshot{
			{Address: "10.0.0.1:11210", State: "connected", Partitions: []uint16{1, 2}},
		}},
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/channels", nil)
	d.handleChannels(rec, req)

	var got []ChannelSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "10.0.0.1:11210", got[0].Address)
}
