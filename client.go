package dcpclient

import (
	"context"
	"strings"

	"github.com/enesacikoglu/analytics-dcp-client/bucketconfig"
	"github.com/enesacikoglu/analytics-dcp-client/dcpconductor"
	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmetrics"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
)

// DataEventHandler and AckHandle are the data-path types embedders implement
// and receive, respectively. They are exactly dcpconductor's: the root
// package adds no wrapping to the hot path, only to the system/control
// event projections below.
type DataEventHandler = dcpconductor.DataEventHandler
type AckHandle = dcpconductor.AckHandle

// ClientOptions configures a Client. DataHandler is required; SystemHandler
// and ControlHandler are optional projections of the same underlying event
// stream, each seeing only the subset of events its name describes.
type ClientOptions struct {
	Environment Environment

	DataHandler    DataEventHandler
	SystemHandler  SystemEventHandler
	ControlHandler ControlEventHandler

	Metrics *dcpmetrics.Collectors
}

// Client is the embedder-facing entry point: one bucket's worth of DCP
// streams, multiplexed across the channels dcpconductor opens to the
// bucket's current master nodes.
type Client struct {
	env       *Environment
	conductor *dcpconductor.Conductor
}

// managementBaseURL qualifies a bare host:port connection string with the
// scheme bucketconfig.Fetcher requires. Embedders that already pass a
// scheme-qualified ConnectionString are left untouched.
func managementBaseURL(connectionString string, tls bool) string {
	if strings.Contains(connectionString, "://") {
		return connectionString
	}
	if tls {
		return "https://" + connectionString
	}
	return "http://" + connectionString
}

// NewClient constructs a disconnected Client for opts.Environment.
func NewClient(opts ClientOptions) *Client {
	env := opts.Environment

	fetcher := bucketconfig.NewFetcher(bucketconfig.FetcherOptions{
		HTTPHost: managementBaseURL(env.ConnectionString, env.TLSConfig != nil),
		Username: env.Username,
		Password: env.Password,
		Logger:   env.Logger,
	})
	provider := bucketconfig.NewHTTPProvider(bucketconfig.HTTPProviderOptions{
		Fetcher:      fetcher,
		BucketName:   env.BucketName,
		PollInterval: env.ConfigPollInterval,
		Logger:       env.Logger,
	})

	conductor := dcpconductor.NewConductor(dcpconductor.ConductorOptions{
		Environment:    &env.Environment,
		ConfigProvider: provider,
		Handler:        opts.DataHandler,
		Metrics:        opts.Metrics,
	})

	if opts.SystemHandler != nil {
		conductor.Subscribe(func(event dcpevents.Event) {
			if isSystemEvent(event) {
				opts.SystemHandler.OnEvent(event)
			}
		})
	}
	if opts.ControlHandler != nil {
		conductor.Subscribe(func(event dcpevents.Event) {
			if isControlEvent(event) {
				opts.ControlHandler.OnEvent(event)
			}
		})
	}

	return &Client{env: &env, conductor: conductor}
}

// Connect fetches the bucket's current topology and prepares the session.
// It does not yet open any DCP streams; call Start for that.
func (c *Client) Connect(ctx context.Context) error {
	return c.conductor.Connect(ctx)
}

// Start opens one DCP stream per partition, from each partition's current
// resume point, across channels to every partition's master node. Call
// Connect first.
func (c *Client) Start(ctx context.Context) error {
	return c.conductor.EstablishDcpConnections(ctx)
}

// StartStreamForPartition opens a single partition's stream, e.g. to resume
// one partition that ended independently of the rest.
func (c *Client) StartStreamForPartition(ctx context.Context, req dcpstate.StreamRequest) error {
	return c.conductor.StartStreamForPartition(ctx, req)
}

// StopStreamForPartition closes a single partition's stream.
func (c *Client) StopStreamForPartition(ctx context.Context, partition uint16) error {
	return c.conductor.StopStreamForPartition(ctx, partition)
}

// GetSeqnos refreshes the current high seqno for every partition.
func (c *Client) GetSeqnos(ctx context.Context) error {
	return c.conductor.GetSeqnos(ctx)
}

// GetFailoverLog refreshes partition's failover log.
func (c *Client) GetFailoverLog(ctx context.Context, partition uint16) error {
	return c.conductor.GetFailoverLog(ctx, partition)
}

// ListChannels reports the current channel set, for wiring into a
// dcpmetrics.DebugServer.
func (c *Client) ListChannels() []dcpmetrics.ChannelSnapshot {
	return c.conductor.ListChannels()
}

// Connected reports whether Connect has succeeded and Disconnect has not
// since been called.
func (c *Client) Connected() bool {
	return c.conductor.Connected()
}

// Disconnect tears down every stream and channel. If wait is true it blocks
// until the fixer goroutine has fully stopped. Calling it with wait true from
// within a SystemEventHandler or ControlEventHandler callback is safe: those
// callbacks run on the event bus's dispatch goroutine, not on the fixer's.
func (c *Client) Disconnect(wait bool) error {
	return c.conductor.Disconnect(wait)
}
