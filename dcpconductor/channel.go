package dcpconductor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/enesacikoglu/analytics-dcp-client/dcperr"
	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmessage"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmetrics"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
	"github.com/enesacikoglu/analytics-dcp-client/retry"
)

// ChannelState mirrors the connection lifecycle Disconnected → Connecting →
// Connected → Disconnecting → Disconnected.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelDisconnecting
)

// DataEventHandler receives mutation/deletion/expiration messages. The
// embedder must call AckHandle.Ack once it has finished processing message,
// to release flow control.
type DataEventHandler interface {
	OnEvent(message DataMessage, ack AckHandle)
}

// AckHandle lets the embedder release flow control for a delivered message
// once it is done with it, generalizing the original per-buffer handle to a
// byte count since Go has no equivalent of a netty ByteBuf to hand back.
type AckHandle interface {
	Ack(bytes int)
}

// DataMessage is a decoded MUTATION/DELETION/EXPIRATION frame.
type DataMessage struct {
	Opcode    dcpmessage.Opcode
	Partition uint16
	Key       []byte
	Value     []byte
	Cas       uint64
	Extras    dcpmessage.MutationExtras
}

type pendingResponse struct {
	header dcpmessage.Header
	body   []byte
}

// Channel owns one TCP connection to one master node: it opens and closes
// streams for the partitions that node masters, decodes inbound frames, and
// publishes events upward via the shared Bus.
type Channel struct {
	address string
	env     *Environment
	bus     *dcpevents.Bus
	session *dcpstate.SessionState
	metrics *dcpmetrics.Collectors
	handler DataEventHandler
	logger  *zap.Logger

	mu         sync.Mutex
	conn       net.Conn
	state      ChannelState
	partitions map[uint16]struct{}
	features   map[dcpmessage.HelloFeature]bool

	opaqueCounter  uint32
	pendingMu      sync.Mutex
	pending        map[uint32]chan pendingResponse

	bytesSinceAck uint32

	writeCh chan []byte
	closeCh chan struct{}
	closed  atomic.Bool

	lastFrameAt atomic.Int64
	repairAttempts int
}

// NewChannel constructs a Channel for address, initially Disconnected.
func NewChannel(address string, env *Environment, bus *dcpevents.Bus, session *dcpstate.SessionState, metrics *dcpmetrics.Collectors, handler DataEventHandler) *Channel {
	return &Channel{
		address:    address,
		env:        env,
		bus:        bus,
		session:    session,
		metrics:    metrics,
		handler:    handler,
		logger:     env.Logger.With(zap.String("channel", address)),
		partitions: make(map[uint16]struct{}),
		features:   make(map[dcpmessage.HelloFeature]bool),
		pending:    make(map[uint32]chan pendingResponse),
	}
}

// Address returns the remote node address this channel connects to.
func (c *Channel) Address() string {
	return c.address
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Partitions returns the ids of partitions currently open on this channel.
func (c *Channel) Partitions() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint16, 0, len(c.partitions))
	for id := range c.partitions {
		ids = append(ids, id)
	}
	return ids
}

func (c *Channel) nextOpaque() uint32 {
	return atomic.AddUint32(&c.opaqueCounter, 1)
}

// Connect dials address, negotiates features, opens a DCP producer
// connection, and starts the reader/writer goroutines. Each attempt is
// wrapped in env.ConnectPolicy.
func (c *Channel) Connect(ctx context.Context) error {
	if c.State() == ChannelConnected {
		return nil
	}
	c.setState(ChannelConnecting)

	policy := c.env.ConnectPolicy
	if policy.Interrupt == nil {
		policy.Interrupt = func(err error) bool { return !dcperr.IsRetryable(err) }
	}

	err := retry.Run(policy, func(attempt int) error {
		connErr := c.connectOnce(ctx)
		if connErr == nil {
			return nil
		}
		if !dcperr.IsRetryable(connErr) {
			return connErr
		}
		c.logger.Warn("connect attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(connErr))
		return connErr
	})
	if err != nil {
		c.setState(ChannelDisconnected)
		var cannotRetry *retry.CannotRetry
		if errors.As(err, &cannotRetry) {
			return &dcperr.ChannelFailedError{Address: c.Address(), Cause: err}
		}
		return err
	}

	c.setState(ChannelConnected)
	c.ResetRepairAttempts()
	c.logger.Info("channel connected")
	return nil
}

func (c *Channel) connectOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.env.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.env.TLSConfig != nil {
		conn, err = tls.Dial("tcp", c.address, c.env.TLSConfig)
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(dialCtx, "tcp", c.address)
	}
	if err != nil {
		return errors.Wrap(err, "dcpconductor: dialing channel")
	}

	if err := c.handshake(dialCtx, conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.writeCh = make(chan []byte, 64)
	c.closeCh = make(chan struct{})
	c.closed.Store(false)
	c.lastFrameAt.Store(time.Now().UnixNano())

	go c.writeLoop()
	go c.readLoop()

	return nil
}

// handshake performs the synchronous SASL/HELO/OPEN_CONNECTION/CONTROL
// exchange directly on conn, before the async reader/writer goroutines take
// over.
func (c *Channel) handshake(ctx context.Context, conn net.Conn) error {
	send := func(req dcpmessage.Request) (dcpmessage.Header, []byte, error) {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}
		if _, err := conn.Write(req.Encode()); err != nil {
			return dcpmessage.Header{}, nil, errors.Wrap(err, "dcpconductor: writing handshake frame")
		}
		return readFrame(conn)
	}

	if c.env.Username != "" {
		h, _, err := send(dcpmessage.NewSaslAuthPlainRequest(c.nextOpaque(), c.env.Username, c.env.Password))
		if err != nil {
			return err
		}
		if h.Status() == dcpmessage.StatusAuthError {
			return dcperr.Wrap(dcperr.AuthFailed, "sasl auth")
		}
	}

	if c.env.BucketName != "" {
		h, _, err := send(dcpmessage.NewSelectBucketRequest(c.nextOpaque(), c.env.BucketName))
		if err != nil {
			return err
		}
		if h.Status() == dcpmessage.StatusNoBucket {
			return dcperr.Wrapf(dcperr.BucketNotFound, "bucket %q", c.env.BucketName)
		}
		if h.Status() != dcpmessage.StatusSuccess {
			return errors.Errorf("dcpconductor: select bucket failed with status 0x%x", h.Status())
		}
	}

	heloReq := dcpmessage.NewHelloRequest(c.nextOpaque(), c.env.AgentName, c.env.Features)
	h, body, err := send(heloReq)
	if err != nil {
		return err
	}
	if h.Status() == dcpmessage.StatusSuccess {
		c.mu.Lock()
		for i := 0; i+1 < len(body); i += 2 {
			f := dcpmessage.HelloFeature(uint16(body[i])<<8 | uint16(body[i+1]))
			c.features[f] = true
		}
		c.mu.Unlock()
	}

	name := fmt.Sprintf("%s:%s:%s", c.env.AgentName, c.address, uuid.New().String())
	h, _, err = send(dcpmessage.NewOpenConnectionRequest(c.nextOpaque(), name, dcpmessage.OpenConnectionFlagProducer))
	if err != nil {
		return err
	}
	if h.Status() != dcpmessage.StatusSuccess {
		return errors.Errorf("dcpconductor: open connection failed with status 0x%x", h.Status())
	}

	controls := [][2]string{
		{dcpmessage.ControlConnectionBufferSize, fmt.Sprintf("%d", c.env.ConnectionBufferSize)},
		{dcpmessage.ControlEnableNoop, "true"},
		{dcpmessage.ControlSetNoopInterval, fmt.Sprintf("%d", int(c.env.NoopInterval.Seconds()))},
		{dcpmessage.ControlEnableExtMetadata, "true"},
		{dcpmessage.ControlEnableStreamEndOnClientCloseStream, "true"},
		{dcpmessage.ControlSendStreamEndOnClientCloseStream, "true"},
	}
	for _, kv := range controls {
		if _, _, err := send(dcpmessage.NewControlRequest(c.nextOpaque(), kv[0], kv[1])); err != nil {
			return err
		}
	}

	conn.SetDeadline(time.Time{})
	return nil
}

// readFrame reads one full frame (header + body) from conn.
func readFrame(conn net.Conn) (dcpmessage.Header, []byte, error) {
	headerBuf := make([]byte, dcpmessage.HeaderSize)
	if _, err := readFull(conn, headerBuf); err != nil {
		return dcpmessage.Header{}, nil, err
	}

	h, err := dcpmessage.DecodeHeader(headerBuf)
	if err != nil {
		return dcpmessage.Header{}, nil, err
	}

	body := make([]byte, h.BodyLength())
	if len(body) > 0 {
		if _, err := readFull(conn, body); err != nil {
			return dcpmessage.Header{}, nil, err
		}
	}

	return h, body, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, errors.Wrap(err, "dcpconductor: reading frame")
		}
	}
	return total, nil
}

// writeLoop serializes outbound frames onto the connection.
func (c *Channel) writeLoop() {
	for {
		select {
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				c.onConnectionLost(err)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) send(req dcpmessage.Request) {
	select {
	case c.writeCh <- req.Encode():
	case <-c.closeCh:
	}
}

// readLoop consumes frames until the connection errors or the channel is
// closed, dispatching each by opcode.
func (c *Channel) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		h, body, err := readFrame(conn)
		if err != nil {
			select {
			case <-c.closeCh:
				return
			default:
			}
			c.onConnectionLost(err)
			return
		}

		c.lastFrameAt.Store(time.Now().UnixNano())
		c.dispatch(h, body)
	}
}

func (c *Channel) onConnectionLost(cause error) {
	if c.closed.Swap(true) {
		return
	}
	close(c.closeCh)
	c.setState(ChannelDisconnected)

	c.pendingMu.Lock()
	for opaque, ch := range c.pending {
		close(ch)
		delete(c.pending, opaque)
	}
	c.pendingMu.Unlock()

	if c.metrics != nil {
		c.metrics.ChannelsDropped.Inc()
	}

	c.bus.Publish(dcpevents.ChannelDropped{Address: c.address, Cause: cause})
}

// dispatch handles one decoded frame: either a correlated response to a
// request this channel issued, or a server-pushed message.
func (c *Channel) dispatch(h dcpmessage.Header, body []byte) {
	if h.Magic == dcpmessage.MagicRes {
		c.pendingMu.Lock()
		ch, ok := c.pending[h.Opaque]
		if ok {
			delete(c.pending, h.Opaque)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- pendingResponse{header: h, body: body}
			return
		}
	}

	switch h.Opcode {
	case dcpmessage.OpSnapshotMarker:
		c.handleSnapshotMarker(h, body)
	case dcpmessage.OpMutation, dcpmessage.OpDeletion, dcpmessage.OpExpiration:
		c.handleDataMessage(h, body)
	case dcpmessage.OpStreamEnd:
		c.handleStreamEnd(h, body)
	case dcpmessage.OpNoop:
		if h.Magic == dcpmessage.MagicReq {
			c.send(dcpmessage.NewNoopResponse(h.Opaque))
		}
	case dcpmessage.OpSetVbucketState:
		c.logger.Debug("set vbucket state", zap.Uint16("vbucket", h.Vbucket()))
	default:
		c.logger.Error("unknown opcode, dropping channel", zap.Stringer("opcode", h.Opcode))
		c.onConnectionLost(errors.Wrapf(dcperr.UnknownOpcode, "opcode 0x%x", byte(h.Opcode)))
	}
}

func (c *Channel) partitionState(id uint16) *dcpstate.PartitionState {
	return c.session.Partition(id)
}

func (c *Channel) handleSnapshotMarker(h dcpmessage.Header, body []byte) {
	extras, err := dcpmessage.DecodeSnapshotMarkerExtras(body[:h.ExtrasEnd()])
	if err != nil {
		c.logger.Warn("malformed snapshot marker", zap.Error(err))
		return
	}

	p := c.partitionState(h.Vbucket())
	if err := p.AdvanceSnapshot(extras.StartSeqno, extras.EndSeqno); err != nil {
		c.logger.Warn("invalid snapshot window", zap.Error(err))
	}
}

func (c *Channel) handleDataMessage(h dcpmessage.Header, body []byte) {
	extras, err := dcpmessage.DecodeMutationExtras(body[:h.ExtrasEnd()])
	if err != nil {
		c.logger.Warn("malformed mutation extras", zap.Error(err))
		return
	}

	key := body[h.ExtrasEnd():h.KeyEnd()]
	rawValue := body[h.KeyEnd():]

	value, err := dcpmessage.DecodeValue(h.Datatype, rawValue)
	if err != nil {
		c.logger.Warn("failed to decompress value", zap.Error(err))
		return
	}

	p := c.partitionState(h.Vbucket())
	if err := p.AdvanceSeqno(extras.BySeqno); err != nil {
		c.logger.Warn("seqno advance rejected", zap.Error(err))
		return
	}

	if c.metrics != nil {
		c.metrics.MutationsDelivered.WithLabelValues(h.Opcode.String()).Inc()
	}

	c.chargeFlowControl(len(body))

	if c.handler != nil {
		msg := DataMessage{
			Opcode:    h.Opcode,
			Partition: h.Vbucket(),
			Key:       key,
			Value:     value,
			Cas:       h.Cas,
			Extras:    extras,
		}
		c.handler.OnEvent(msg, channelAckHandle{c: c})
	}
}

func (c *Channel) handleStreamEnd(h dcpmessage.Header, body []byte) {
	p := c.partitionState(h.Vbucket())

	c.mu.Lock()
	delete(c.partitions, h.Vbucket())
	c.mu.Unlock()

	flag, err := dcpmessage.DecodeStreamEndExtras(body[:h.ExtrasEnd()])
	if err != nil {
		c.logger.Warn("malformed stream end extras", zap.Error(err))
		flag = dcpmessage.StreamEndDisconnected
	}

	// A terminal reason already recorded by AdvanceSeqno (ReasonOK, reaching
	// endSeqno) or CloseStream (ReasonClosedByClient) takes precedence over
	// whatever the server's flag says, since those were this client's own
	// decision rather than a report from the other side.
	switch p.Reason() {
	case dcpstate.ReasonOK, dcpstate.ReasonClosedByClient:
	default:
		p.SetState(dcpstate.Disconnected, streamEndReason(flag))
	}

	c.bus.Publish(dcpevents.StreamEnd{Partition: h.Vbucket(), Reason: p.Reason().String()})
}

func streamEndReason(flag dcpmessage.StreamEndFlag) dcpstate.EndOfStreamReason {
	switch flag {
	case dcpmessage.StreamEndOK:
		return dcpstate.ReasonOK
	case dcpmessage.StreamEndClosed:
		return dcpstate.ReasonClosedByClient
	case dcpmessage.StreamEndStateChanged:
		return dcpstate.ReasonStateChanged
	case dcpmessage.StreamEndTooSlow:
		return dcpstate.ReasonSlowStream
	case dcpmessage.StreamEndBackfillFail:
		return dcpstate.ReasonBackfillFail
	case dcpmessage.StreamEndFilterEmpty:
		return dcpstate.ReasonFilterEmpty
	default:
		return dcpstate.ReasonDisconnected
	}
}

// chargeFlowControl charges n bytes against the acknowledgement counter,
// sending BUFFER_ACKNOWLEDGEMENT once the watermark is reached.
func (c *Channel) chargeFlowControl(n int) {
	watermark := c.env.AckWatermark()
	total := atomic.AddUint32(&c.bytesSinceAck, uint32(n))
	if total < watermark {
		return
	}

	if !atomic.CompareAndSwapUint32(&c.bytesSinceAck, total, 0) {
		return
	}

	c.send(dcpmessage.NewBufferAcknowledgmentRequest(c.nextOpaque(), total))
	if c.metrics != nil {
		c.metrics.BytesAcked.Add(float64(total))
	}
}

// channelAckHandle implements AckHandle by charging flow control on Ack.
type channelAckHandle struct {
	c *Channel
}

func (h channelAckHandle) Ack(bytes int) {
	h.c.chargeFlowControl(bytes)
}

// request sends req and blocks for its correlated response, bounded by ctx.
func (c *Channel) request(ctx context.Context, req dcpmessage.Request) (dcpmessage.Header, []byte, error) {
	opaque := req.Header.Opaque
	replyCh := make(chan pendingResponse, 1)

	c.pendingMu.Lock()
	c.pending[opaque] = replyCh
	c.pendingMu.Unlock()

	c.send(req)

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return dcpmessage.Header{}, nil, dcperr.Wrap(dcperr.SessionDisconnected, "channel closed while awaiting response")
		}
		return resp.header, resp.body, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, opaque)
		c.pendingMu.Unlock()
		return dcpmessage.Header{}, nil, dcperr.Wrap(dcperr.TimedOut, "waiting for response")
	case <-c.closeCh:
		return dcpmessage.Header{}, nil, dcperr.Wrap(dcperr.SessionDisconnected, "channel closed while awaiting response")
	}
}

// OpenStream opens a stream for req's partition, retrying transient
// failures under env.StreamPolicy and following server-dictated rollbacks
// automatically.
func (c *Channel) OpenStream(ctx context.Context, req dcpstate.StreamRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.env.StreamOpenTimeout)
	defer cancel()

	p := c.partitionState(req.Partition)
	p.SetState(dcpstate.Connecting, dcpstate.ReasonNone)

	policy := c.env.StreamPolicy
	if policy.Interrupt == nil {
		policy.Interrupt = func(err error) bool { return !dcperr.IsRetryable(err) || dcperr.Is(err, dcperr.NotMyVbucket) }
	}

	return retry.Run(policy, func(attempt int) error {
		opaque := c.nextOpaque()
		wireReq := dcpmessage.NewStreamRequest(opaque, req.Partition, dcpmessage.StreamRequestExtras{
			StartSeqno:         req.StartSeqno,
			EndSeqno:           req.EndSeqno,
			VbucketUUID:        req.VbucketUUID,
			SnapshotStartSeqno: req.SnapshotStartSeqno,
			SnapshotEndSeqno:   req.SnapshotEndSeqno,
		})
		wireReq.Header.Opaque = opaque

		// Recorded before the request goes out: the reader goroutine may
		// process this stream's first frames before this goroutine sees the
		// response.
		p.SetSeqnoWindow(req.StartSeqno, req.EndSeqno)
		p.SetSnapshotWindow(req.SnapshotStartSeqno, req.SnapshotEndSeqno)
		c.mu.Lock()
		c.partitions[req.Partition] = struct{}{}
		c.mu.Unlock()

		h, body, err := c.request(ctx, wireReq)
		if err != nil || h.Status() != dcpmessage.StatusSuccess {
			c.mu.Lock()
			delete(c.partitions, req.Partition)
			c.mu.Unlock()
		}
		if err != nil {
			return err
		}

		switch h.Status() {
		case dcpmessage.StatusSuccess:
			log, err := dcpmessage.DecodeFailoverLog(body)
			if err != nil {
				return err
			}
			entries := make([]dcpstate.FailoverLogEntry, len(log))
			for i, e := range log {
				entries[i] = dcpstate.FailoverLogEntry{VbucketUUID: e.VbucketUUID, Seqno: e.Seqno}
			}
			p.SetFailoverLog(entries)
			if p.State() == dcpstate.Connecting {
				p.SetState(dcpstate.Connected, dcpstate.ReasonNone)
			}

			c.bus.Publish(dcpevents.FailoverLogUpdate{Partition: req.Partition})
			return nil

		case dcpmessage.StatusRollback:
			rollbackSeqno, err := dcpmessage.RollbackSeqno(body)
			if err != nil {
				return err
			}
			p.ApplyRollback(rollbackSeqno)
			c.bus.Publish(dcpevents.Rollback{Partition: req.Partition, RollbackSeqno: rollbackSeqno})
			req.StartSeqno = rollbackSeqno
			req.SnapshotStartSeqno = rollbackSeqno
			req.SnapshotEndSeqno = rollbackSeqno
			return errors.New("dcpconductor: stream rolled back, reissuing")

		case dcpmessage.StatusNotMyVbucket:
			p.SetState(dcpstate.Disconnected, dcpstate.ReasonNone)
			c.bus.Publish(dcpevents.NotMyVbucket{Partition: req.Partition})
			return &dcperr.NotMyVbucketError{VbID: req.Partition}

		case dcpmessage.StatusTmpFail, dcpmessage.StatusEBusy:
			return errors.Errorf("dcpconductor: stream open busy, status 0x%x", h.Status())

		default:
			return errors.Wrapf(dcperr.InvariantViolation, "stream open failed with status 0x%x", h.Status())
		}
	})
}

// CloseStream closes the stream for partition, waiting up to
// env.CloseStreamTimeout for the server to acknowledge.
func (c *Channel) CloseStream(ctx context.Context, partition uint16) error {
	ctx, cancel := context.WithTimeout(ctx, c.env.CloseStreamTimeout)
	defer cancel()

	opaque := c.nextOpaque()
	req := dcpmessage.NewCloseStreamRequest(opaque, partition)
	req.Header.Opaque = opaque

	_, _, err := c.request(ctx, req)

	c.mu.Lock()
	delete(c.partitions, partition)
	c.mu.Unlock()

	c.partitionState(partition).SetState(dcpstate.Disconnected, dcpstate.ReasonClosedByClient)
	return err
}

// GetFailoverLog fetches the current failover log for partition.
func (c *Channel) GetFailoverLog(ctx context.Context, partition uint16) error {
	p := c.partitionState(partition)
	p.FailoverRequest()

	opaque := c.nextOpaque()
	req := dcpmessage.NewGetFailoverLogRequest(opaque, partition)
	req.Header.Opaque = opaque

	h, body, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	if h.Status() != dcpmessage.StatusSuccess {
		return errors.Errorf("dcpconductor: get failover log failed with status 0x%x", h.Status())
	}

	log, err := dcpmessage.DecodeFailoverLog(body)
	if err != nil {
		return err
	}

	entries := make([]dcpstate.FailoverLogEntry, len(log))
	for i, e := range log {
		entries[i] = dcpstate.FailoverLogEntry{VbucketUUID: e.VbucketUUID, Seqno: e.Seqno}
	}
	p.SetFailoverLog(entries)
	c.bus.Publish(dcpevents.FailoverLogUpdate{Partition: partition})
	return nil
}

// GetSeqnos fetches the current high seqno for every partition this channel
// masters and updates each PartitionState.
func (c *Channel) GetSeqnos(ctx context.Context) error {
	opaque := c.nextOpaque()
	req := dcpmessage.NewGetAllVBSeqnosRequest(opaque)
	req.Header.Opaque = opaque

	h, body, err := c.request(ctx, req)
	if err != nil {
		return err
	}
	if h.Status() != dcpmessage.StatusSuccess {
		return errors.Errorf("dcpconductor: get all vb seqnos failed with status 0x%x", h.Status())
	}

	entries, err := dcpmessage.DecodeAllVBSeqnos(body)
	if err != nil {
		return err
	}

	for _, e := range entries {
		c.partitionState(e.VbucketID).SetCurrentVBucketSeqno(e.Seqno)
	}
	return nil
}

// IncrementRepairAttempts records one more failed revive attempt and
// returns the new count. Reset by a successful Connect.
func (c *Channel) IncrementRepairAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairAttempts++
	return c.repairAttempts
}

// ResetRepairAttempts clears the revive-attempt counter after a successful
// reconnect.
func (c *Channel) ResetRepairAttempts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairAttempts = 0
}

// IsDeadPeer reports whether no frame has been received within
// env.DeadConnectionDetectionInterval.
func (c *Channel) IsDeadPeer() bool {
	if c.State() != ChannelConnected {
		return false
	}
	last := time.Unix(0, c.lastFrameAt.Load())
	return time.Since(last) > c.env.DeadConnectionDetectionInterval
}

// Close tears the channel down. If graceful, it first sends CLOSE_STREAM for
// every open partition; otherwise it closes the socket directly. Either way
// every partition this channel owned ends Disconnected.
func (c *Channel) Close(ctx context.Context, graceful bool) error {
	c.setState(ChannelDisconnecting)

	if graceful {
		for _, id := range c.Partitions() {
			_ = c.CloseStream(ctx, id)
		}
	}

	c.mu.Lock()
	conn := c.conn
	for id := range c.partitions {
		c.session.Partition(id).SetState(dcpstate.Disconnected, dcpstate.ReasonDisconnected)
	}
	c.partitions = make(map[uint16]struct{})
	c.mu.Unlock()

	if c.closed.CompareAndSwap(false, true) && c.closeCh != nil {
		close(c.closeCh)
	}

	c.setState(ChannelDisconnected)

	if conn != nil {
		return conn.Close()
	}
	return nil
}
