// Package dcpmetrics exposes the client's operational counters and an
// optional debug HTTP surface for operators.
package dcpmetrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collectors is the set of Prometheus collectors a Conductor updates as it
// runs. ActiveStreams is registered but nothing in the client sets it. The
// zero value is not usable; construct with NewCollectors.
type Collectors struct {
	BytesAcked          prometheus.Counter
	MutationsDelivered  *prometheus.CounterVec
	ChannelsDropped     prometheus.Counter
	ActiveStreams       prometheus.Gauge

	registry *prometheus.Registry
}

// NewCollectors registers a fresh set of collectors on their own registry,
// so multiple Client instances in the same process don't collide on metric
// names.
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		BytesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcp_bytes_acked_total",
			Help: "Total bytes acknowledged back to the server via BUFFER_ACKNOWLEDGEMENT.",
		}),
		MutationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dcp_mutations_delivered_total",
			Help: "Total data messages delivered to the embedder, labeled by opcode.",
		}, []string{"opcode"}),
		ChannelsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dcp_channels_dropped_total",
			Help: "Total number of times a Channel's connection was lost.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dcp_active_streams",
			Help: "Number of partitions currently in the Connected state.",
		}),
		registry: reg,
	}

	reg.MustRegister(c.BytesAcked, c.MutationsDelivered, c.ChannelsDropped, c.ActiveStreams)

	return c
}

// ChannelSnapshot is one channel's ownership state, as reported by
// DebugServer's /debug/channels endpoint.
type ChannelSnapshot struct {
	Address    string   `json:"address"`
	State      string   `json:"state"`
	Partitions []uint16 `json:"partitions"`
}

// ChannelLister is implemented by the Conductor to feed the debug server's
// /debug/channels endpoint without dcpmetrics needing to import
// dcpconductor.
type ChannelLister interface {
	ListChannels() []ChannelSnapshot
}

// DebugServerOptions configures a DebugServer.
type DebugServerOptions struct {
	Collectors    *Collectors
	Channels      ChannelLister
	ListenAddress string
	Logger        *zap.Logger
}

// DebugServer serves /metrics and /debug/channels for operator visibility
// into a running Client. Starting one is optional.
type DebugServer struct {
	collectors    *Collectors
	channels      ChannelLister
	listenAddress string
	logger        *zap.Logger
	httpServer    *http.Server
}

// NewDebugServer constructs a DebugServer from opts. Call ListenAndServe to
// start it, typically in its own goroutine.
func NewDebugServer(opts DebugServerOptions) *DebugServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DebugServer{
		collectors:    opts.Collectors,
		channels:      opts.Channels,
		listenAddress: opts.ListenAddress,
		logger:        logger,
	}
}

func (d *DebugServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	var snapshots []ChannelSnapshot
	if d.channels != nil {
		snapshots = d.channels.ListChannels()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshots); err != nil {
		d.logger.Debug("failed to write channel debug response", zap.Error(err))
	}
}

// ListenAndServe blocks serving /metrics and /debug/channels until the
// listener errors or is closed.
func (d *DebugServer) ListenAndServe() error {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.HandlerFor(d.collectors.registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/channels", d.handleChannels)

	d.httpServer = &http.Server{
		Handler:      r,
		Addr:         d.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return d.httpServer.ListenAndServe()
}

// Close shuts down the underlying HTTP server, if it was started.
func (d *DebugServer) Close() error {
	if d.httpServer == nil {
		return nil
	}
	return d.httpServer.Close()
}

var (
	globalLock   sync.Mutex
	globalServer *DebugServer
)

// StartGlobalDebugServer starts at most one process-wide DebugServer.
// A second call is a no-op so embedders can call this defensively without
// coordinating.
func StartGlobalDebugServer(opts DebugServerOptions) {
	globalLock.Lock()
	if globalServer != nil {
		globalLock.Unlock()
		return
	}

	globalServer = NewDebugServer(opts)
	globalLock.Unlock()

	go func() {
		if err := globalServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			globalServer.logger.Error("debug server stopped", zap.Error(err))
		}
	}()
}
