package dcpstate

import "sync"

// SessionState owns every partition's PartitionState for the lifetime of a
// Connect()/Disconnect() cycle. A reconnect reuses the same SessionState so
// resume progress survives; only the connected flag toggles.
type SessionState struct {
	mu sync.Mutex

	partitions []*PartitionState
	connected  bool
}

// NewSessionState allocates numPartitions PartitionStates, ids 0..n-1.
func NewSessionState(numPartitions int) *SessionState {
	s := &SessionState{
		partitions: make([]*PartitionState, numPartitions),
	}
	for i := range s.partitions {
		s.partitions[i] = NewPartitionState(uint16(i))
	}
	return s
}

// Partition returns the PartitionState for id.
func (s *SessionState) Partition(id uint16) *PartitionState {
	return s.partitions[id]
}

// NumPartitions returns the number of partitions this session was created
// with.
func (s *SessionState) NumPartitions() int {
	return len(s.partitions)
}

// SetConnected marks the session connected and clears every partition's
// disconnected flag so their waits block again. It does not change any
// partition's lifecycle state; a fresh session's partitions all start
// Disconnected and are driven to Connected individually as their streams open.
func (s *SessionState) SetConnected() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	for _, p := range s.partitions {
		p.ClearDisconnected()
	}
}

// SetDisconnected marks the session torn down and drives every partition to
// Disconnected, waking any blocked waiter.
func (s *SessionState) SetDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	for _, p := range s.partitions {
		p.SetDisconnected()
	}
}

// Connected reports whether the session is currently connected.
func (s *SessionState) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}
