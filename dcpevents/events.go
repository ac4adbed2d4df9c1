// Package dcpevents defines the closed set of events that flow from
// Channels and the bucket config watcher up to the Fixer, and the bus that
// carries them.
package dcpevents

import "github.com/enesacikoglu/analytics-dcp-client/bucketconfig"

// Type identifies which concrete Event a value is, standing in for a closed
// sum type Go has no native syntax for.
type Type int

const (
	TypeChannelDropped Type = iota
	TypeNotMyVbucket
	TypeConfigRevision
	TypeStreamEnd
	TypeRollback
	TypeFailoverLogUpdate
	TypeFatal
	TypePoison
)

func (t Type) String() string {
	switch t {
	case TypeChannelDropped:
		return "ChannelDropped"
	case TypeNotMyVbucket:
		return "NotMyVbucket"
	case TypeConfigRevision:
		return "ConfigRevision"
	case TypeStreamEnd:
		return "StreamEnd"
	case TypeRollback:
		return "Rollback"
	case TypeFailoverLogUpdate:
		return "FailoverLogUpdate"
	case TypeFatal:
		return "Fatal"
	case TypePoison:
		return "Poison"
	default:
		return "Unknown"
	}
}

// Event is implemented by every concrete event type below. Type lets a
// reactor switch on the concrete kind without a type assertion chain.
type Event interface {
	Type() Type
}

// ChannelDropped is published when a Channel's connection is lost through an
// I/O error on read/write or an unrecognized opcode. Dead-peer detection
// does not publish it.
type ChannelDropped struct {
	Address string
	Cause   error
}

func (ChannelDropped) Type() Type { return TypeChannelDropped }

// NotMyVbucket is published when a node rejects a stream request for a
// partition it no longer masters.
type NotMyVbucket struct {
	Partition uint16
}

func (NotMyVbucket) Type() Type { return TypeNotMyVbucket }

// ConfigRevision is published when the bucket config watcher observes a
// newer config revision.
type ConfigRevision struct {
	Config *bucketconfig.Config
}

func (ConfigRevision) Type() Type { return TypeConfigRevision }

// StreamEnd is published when a partition's stream ends, for any reason.
type StreamEnd struct {
	Partition uint16
	Reason    string
}

func (StreamEnd) Type() Type { return TypeStreamEnd }

// Rollback is published when the server rejects a resume point and dictates
// an earlier one.
type Rollback struct {
	Partition     uint16
	RollbackSeqno uint64
}

func (Rollback) Type() Type { return TypeRollback }

// FailoverLogUpdate is published when a partition's failover log changes,
// whether from a GET_FAILOVER_LOG response or a successful stream open.
type FailoverLogUpdate struct {
	Partition uint16
}

func (FailoverLogUpdate) Type() Type { return TypeFailoverLogUpdate }

// Fatal is published when a partition's repair budget is exhausted and no
// further automatic recovery will be attempted.
type Fatal struct {
	Partition uint16
	Cause     error
}

func (Fatal) Type() Type { return TypeFatal }

// Poison requests that the consuming reactor terminate once it has drained
// everything published before this event.
type Poison struct{}

func (Poison) Type() Type { return TypePoison }
