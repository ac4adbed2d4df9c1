// Package dcpclient is the embedder-facing entry point: Client wraps a
// dcpconductor.Conductor, and Environment gathers the connection, auth, and
// tuning knobs an embedder configures once at startup.
package dcpclient

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/dcpconductor"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmessage"
)

// Environment is the full set of knobs a Client is configured with. It
// embeds dcpconductor.Environment for every setting the channel/fixer layer
// consumes directly, and adds the handful that only the root package needs:
// where to fetch bucket topology from, and how often to poll it.
type Environment struct {
	dcpconductor.Environment

	// ConnectionString is the cluster management API's host:port, e.g.
	// "127.0.0.1:8091", used to fetch and watch bucket topology.
	ConnectionString string

	// ConfigPollInterval is how often bucketconfig falls back to polling
	// when the streaming config endpoint isn't available. Zero means the
	// bucketconfig package's own default.
	ConfigPollInterval time.Duration
}

// EnvironmentOptions is the raw, unvalidated input to NewEnvironment.
type EnvironmentOptions struct {
	ConnectionString string
	Username         string
	Password         string
	BucketName       string

	AgentName string
	Features  []dcpmessage.HelloFeature

	ConnectionBufferSize uint32
	NoopInterval         time.Duration

	ConnectTimeout     time.Duration
	StreamOpenTimeout  time.Duration
	CloseStreamTimeout time.Duration
	SeqnoTimeout       time.Duration

	DeadConnectionDetectionInterval time.Duration
	ConfigPollInterval               time.Duration

	FixerWorkerCount         int
	MaxChannelRepairAttempts int

	TLSConfig *tls.Config
	Logger    *zap.Logger
}

// NewEnvironment builds an Environment from opts, filling in
// dcpconductor's defaults for every knob opts leaves at its zero value.
func NewEnvironment(opts EnvironmentOptions) Environment {
	return Environment{
		ConnectionString:   opts.ConnectionString,
		ConfigPollInterval: opts.ConfigPollInterval,
		Environment: dcpconductor.Environment{
			Username:                         opts.Username,
			Password:                         opts.Password,
			BucketName:                       opts.BucketName,
			AgentName:                        opts.AgentName,
			Features:                         opts.Features,
			ConnectionBufferSize:             opts.ConnectionBufferSize,
			NoopInterval:                     opts.NoopInterval,
			ConnectTimeout:                   opts.ConnectTimeout,
			StreamOpenTimeout:                opts.StreamOpenTimeout,
			CloseStreamTimeout:               opts.CloseStreamTimeout,
			SeqnoTimeout:                     opts.SeqnoTimeout,
			DeadConnectionDetectionInterval:  opts.DeadConnectionDetectionInterval,
			FixerWorkerCount:                 opts.FixerWorkerCount,
			MaxChannelRepairAttempts:         opts.MaxChannelRepairAttempts,
			TLSConfig:                        opts.TLSConfig,
			Logger:                           opts.Logger,
		}.WithDefaults(),
	}
}

// NewEnvironmentFromOS builds an Environment seeded from DCP_*
// environment variables (DCP_CONNECTION_STRING, DCP_USERNAME, DCP_PASSWORD,
// DCP_BUCKET_NAME, DCP_AGENT_NAME), for embedders that would rather not
// re-plumb their own flag parsing. Unset variables fall back to
// NewEnvironment's defaults; this constructor defines no flags of its own
// and carries no CLI dependency.
func NewEnvironmentFromOS() Environment {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("dcp")
	v.AutomaticEnv()

	return NewEnvironment(EnvironmentOptions{
		ConnectionString: v.GetString("connection-string"),
		Username:         v.GetString("username"),
		Password:         v.GetString("password"),
		BucketName:       v.GetString("bucket-name"),
		AgentName:        v.GetString("agent-name"),
	})
}
