package dcpclient

import "github.com/enesacikoglu/analytics-dcp-client/dcpevents"

// SystemEventHandler receives topology, failure, and rollback notifications:
// the events that say something changed about the cluster or a connection,
// as opposed to something about a single stream's data.
type SystemEventHandler interface {
	OnEvent(event dcpevents.Event)
}

// ControlEventHandler receives stream-lifecycle notifications: a stream
// ending, or its failover log changing, as opposed to data or topology.
type ControlEventHandler interface {
	OnEvent(event dcpevents.Event)
}

func isSystemEvent(event dcpevents.Event) bool {
	switch event.Type() {
	case dcpevents.TypeChannelDropped, dcpevents.TypeNotMyVbucket, dcpevents.TypeConfigRevision,
		dcpevents.TypeRollback, dcpevents.TypeFatal:
		return true
	default:
		return false
	}
}

func isControlEvent(event dcpevents.Event) bool {
	switch event.Type() {
	case dcpevents.TypeStreamEnd, dcpevents.TypeFailoverLogUpdate:
		return true
	default:
		return false
	}
}
