// Package dcpconductor implements the cluster-aware stream supervisor: a
// Channel per TCP connection to a master node, a Fixer reactor that repairs
// channels and reroutes partitions across topology changes, and a Conductor
// that is the public coordinator tying them together.
package dcpconductor

import (
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/dcpmessage"
	"github.com/enesacikoglu/analytics-dcp-client/retry"
)

// Environment is the full set of knobs a Conductor and the Channels it
// creates are configured with.
type Environment struct {
	Username   string
	Password   string
	BucketName string

	AgentName string
	Features  []dcpmessage.HelloFeature

	ConnectionBufferSize uint32
	NoopInterval         time.Duration

	ConnectTimeout     time.Duration
	StreamOpenTimeout  time.Duration
	CloseStreamTimeout time.Duration
	SeqnoTimeout       time.Duration

	DeadConnectionDetectionInterval time.Duration

	// FixerWorkerCount sizes the Fixer's worker pool. Zero means the
	// single-threaded default; events for the same partition always stay
	// ordered regardless of worker count.
	FixerWorkerCount int

	// MaxChannelRepairAttempts bounds how many times the Fixer will try to
	// revive a single dead channel before giving up on every partition it
	// owns.
	MaxChannelRepairAttempts int

	ConnectPolicy retry.Policy
	StreamPolicy  retry.Policy

	TLSConfig *tls.Config

	Logger *zap.Logger
}

// WithDefaults returns a copy of env with zero-valued fields replaced by the
// client's defaults.
func (env Environment) WithDefaults() Environment {
	if env.AgentName == "" {
		env.AgentName = "analytics-dcp-client"
	}
	if len(env.Features) == 0 {
		env.Features = []dcpmessage.HelloFeature{
			dcpmessage.FeatureXattr,
			dcpmessage.FeatureSnappy,
			dcpmessage.FeatureCollections,
		}
	}
	if env.ConnectionBufferSize == 0 {
		env.ConnectionBufferSize = 20 * 1024 * 1024
	}
	if env.NoopInterval == 0 {
		env.NoopInterval = 20 * time.Second
	}
	if env.ConnectTimeout == 0 {
		env.ConnectTimeout = 60 * time.Second
	}
	if env.StreamOpenTimeout == 0 {
		env.StreamOpenTimeout = 60 * time.Second
	}
	if env.CloseStreamTimeout == 0 {
		env.CloseStreamTimeout = 60 * time.Second
	}
	if env.SeqnoTimeout == 0 {
		env.SeqnoTimeout = 60 * time.Second
	}
	if env.DeadConnectionDetectionInterval == 0 {
		env.DeadConnectionDetectionInterval = 2 * env.NoopInterval
	}
	if env.FixerWorkerCount <= 0 {
		env.FixerWorkerCount = 1
	}
	if env.MaxChannelRepairAttempts <= 0 {
		env.MaxChannelRepairAttempts = 10
	}
	if env.ConnectPolicy.Delay == nil {
		env.ConnectPolicy = retry.Policy{
			MaxAttempts: 5,
			Delay:       retry.Exponential{Base: 200 * time.Millisecond, Cap: 5 * time.Second, Factor: 2},
		}
	}
	if env.StreamPolicy.Delay == nil {
		env.StreamPolicy = retry.Policy{
			MaxAttempts: 5,
			Delay:       retry.Exponential{Base: 100 * time.Millisecond, Cap: 2 * time.Second, Factor: 2},
		}
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	return env
}

// AckWatermark is the byte count at which a Channel sends a
// BUFFER_ACKNOWLEDGEMENT, the default 20% of ConnectionBufferSize matching
// the flow-control ratio the distilled spec names.
func (env Environment) AckWatermark() uint32 {
	return env.ConnectionBufferSize / 5
}
