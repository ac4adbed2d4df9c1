package dcpconductor

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/enesacikoglu/analytics-dcp-client/dcpevents"
	"github.com/enesacikoglu/analytics-dcp-client/dcpmessage"
	"github.com/enesacikoglu/analytics-dcp-client/dcpstate"
)

// fakeServer is a minimal in-process memcached-binary listener standing in
// for a single Couchbase KV node, just enough of the handshake and STREAM_REQ
// dance to drive a Channel through Connect and OpenStream. Errors detected on
// the server side are reported through errCh rather than t, since t.FailNow
// is only safe to call from the goroutine running the test itself.
type fakeServer struct {
	ln    net.Listener
	errCh chan error
}

func startFakeServer(t *testing.T, handleConn func(net.Conn) error) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, errCh: make(chan error, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			s.errCh <- nil
			return
		}
		s.errCh <- handleConn(conn)
	}()
	return s
}

func (s *fakeServer) addr() string {
	return s.ln.Addr().String()
}

func (s *fakeServer) close() {
	s.ln.Close()
}

// requireNoServerError fails the test if the fake server reported an error.
// Must be called from the test goroutine after the exchange it guards has
// had a chance to finish.
func requireNoServerError(t *testing.T, s *fakeServer) {
	select {
	case err := <-s.errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished handling the connection")
	}
}

func respondSuccess(conn net.Conn, opcode dcpmessage.Opcode, opaque uint32, body []byte) {
	resp := dcpmessage.Request{
		Header: dcpmessage.Header{
			Magic:           dcpmessage.MagicRes,
			Opcode:          opcode,
			VbucketOrStatus: uint16(dcpmessage.StatusSuccess),
			Opaque:          opaque,
		},
		Value: body,
	}
	conn.Write(resp.Encode())
}

// runHandshake performs the server side of Connect's handshake: HELO,
// OPEN_CONNECTION, and the control settings, replying success to everything.
func runHandshake(conn net.Conn) error {
	for i := 0; i < 8; i++ {
		h, _, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("handshake frame %d: %w", i, err)
		}
		respondSuccess(conn, h.Opcode, h.Opaque, nil)
	}
	return nil
}

func testEnvironment() *Environment {
	env := Environment{
		AgentName:         "test-agent",
		ConnectTimeout:    2 * time.Second,
		StreamOpenTimeout: 2 * time.Second,
	}.WithDefaults()
	return &env
}

func TestChannelConnectPerformsHandshake(t *testing.T) {
	srv := startFakeServer(t, func(conn net.Conn) error {
		return runHandshake(conn)
	})
	defer srv.close()

	env := testEnvironment()
	bus := dcpevents.NewBus()
	session := dcpstate.NewSessionState(1)

	ch := NewChannel(srv.addr(), env, bus, session, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := ch.Connect(ctx)
	require.NoError(t, err)
	require.Equal(t, ChannelConnected, ch.State())
	defer ch.Close(context.Background(), false)

	requireNoServerError(t, srv)
}

func TestChannelOpenStreamHappyPath(t *testing.T) {
	const numMutations = 5

	srv := startFakeServer(t, func(conn net.Conn) error {
		if err := runHandshake(conn); err != nil {
			return err
		}

		h, _, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("reading stream request: %w", err)
		}
		if h.Opcode != dcpmessage.OpStreamRequest {
			return fmt.Errorf("expected STREAM_REQ, got %s", h.Opcode)
		}

		// reply success with an empty failover log
		respondSuccess(conn, dcpmessage.OpStreamRequest, h.Opaque, nil)

		markerExtras := make([]byte, 20)
		binary.BigEndian.PutUint64(markerExtras[0:8], 0)
		binary.BigEndian.PutUint64(markerExtras[8:16], uint64(numMutations)+10)
		marker := dcpmessage.Request{
			Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.OpSnapshotMarker, VbucketOrStatus: 0},
			Extras: markerExtras,
		}
		if _, err := conn.Write(marker.Encode()); err != nil {
			return err
		}

		for i := 1; i <= numMutations; i++ {
			extras := make([]byte, 16)
			extras[7] = byte(i)
			mutation := dcpmessage.Request{
				Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.OpMutation, VbucketOrStatus: 0},
				Extras: extras,
				Key:    []byte("k"),
				Value:  []byte("v"),
			}
			if _, err := conn.Write(mutation.Encode()); err != nil {
				return err
			}
		}
		return nil
	})
	defer srv.close()

	env := testEnvironment()
	bus := dcpevents.NewBus()
	session := dcpstate.NewSessionState(1)
	session.Partition(0).SetSeqnoWindow(0, dcpstate.EndlessEndSeqno)

	received := make(chan DataMessage, numMutations)
	handler := handlerFunc(func(msg DataMessage, ack AckHandle) {
		received <- msg
		ack.Ack(len(msg.Value))
	})

	ch := NewChannel(srv.addr(), env, bus, session, nil, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	defer ch.Close(context.Background(), false)

	req := session.Partition(0).UseStreamRequest()
	require.NoError(t, ch.OpenStream(ctx, req))

	for i := 1; i <= numMutations; i++ {
		select {
		case msg := <-received:
			require.Equal(t, uint64(i), msg.Extras.BySeqno)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for mutation %d", i)
		}
	}

	start, _ := session.Partition(0).SeqnoWindow()
	require.Equal(t, uint64(numMutations), start)

	requireNoServerError(t, srv)
}

// TestChannelOpenStreamReissuesOnRollback drives OpenStream's
// StatusRollback branch: the first STREAM_REQ is rejected with a rollback
// to an earlier seqno, and OpenStream must silently reissue the request
// with that seqno before returning.
func TestChannelOpenStreamReissuesOnRollback(t *testing.T) {
	const rollbackSeqno = 2

	var attempts int32
	srv := startFakeServer(t, func(conn net.Conn) error {
		if err := runHandshake(conn); err != nil {
			return err
		}

		h, body, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("reading first stream request: %w", err)
		}
		if h.Opcode != dcpmessage.OpStreamRequest {
			return fmt.Errorf("expected STREAM_REQ, got %s", h.Opcode)
		}
		first, err := dcpmessage.DecodeStreamRequestExtras(body[:h.ExtrasEnd()])
		if err != nil {
			return err
		}
		if first.StartSeqno != 0 {
			return fmt.Errorf("expected first attempt from seqno 0, got %d", first.StartSeqno)
		}
		attempts++

		rollbackBody := make([]byte, 8)
		binary.BigEndian.PutUint64(rollbackBody, rollbackSeqno)
		resp := dcpmessage.Request{
			Header: dcpmessage.Header{
				Magic:           dcpmessage.MagicRes,
				Opcode:          dcpmessage.OpStreamRequest,
				VbucketOrStatus: uint16(dcpmessage.StatusRollback),
				Opaque:          h.Opaque,
			},
			Value: rollbackBody,
		}
		if _, err := conn.Write(resp.Encode()); err != nil {
			return err
		}

		h2, body2, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("reading reissued stream request: %w", err)
		}
		if h2.Opcode != dcpmessage.OpStreamRequest {
			return fmt.Errorf("expected reissued STREAM_REQ, got %s", h2.Opcode)
		}
		second, err := dcpmessage.DecodeStreamRequestExtras(body2[:h2.ExtrasEnd()])
		if err != nil {
			return err
		}
		if second.StartSeqno != rollbackSeqno {
			return fmt.Errorf("expected reissue from rollback seqno %d, got %d", rollbackSeqno, second.StartSeqno)
		}
		attempts++

		respondSuccess(conn, dcpmessage.OpStreamRequest, h2.Opaque, nil)
		return nil
	})
	defer srv.close()

	env := testEnvironment()
	bus := dcpevents.NewBus()
	session := dcpstate.NewSessionState(1)
	session.Partition(0).SetSeqnoWindow(0, dcpstate.EndlessEndSeqno)

	ch := NewChannel(srv.addr(), env, bus, session, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	defer ch.Close(context.Background(), false)

	req := session.Partition(0).UseStreamRequest()
	require.NoError(t, ch.OpenStream(ctx, req))

	require.Equal(t, int32(2), attempts)
	start, _ := session.Partition(0).SeqnoWindow()
	require.Equal(t, uint64(rollbackSeqno), start)

	requireNoServerError(t, srv)
}

func TestChannelStreamEndCarriesDecodedReasonAndDoesNotOverwriteReasonOK(t *testing.T) {
	const endSeqno = 3

	srv := startFakeServer(t, func(conn net.Conn) error {
		if err := runHandshake(conn); err != nil {
			return err
		}

		h, _, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("reading stream request: %w", err)
		}
		if h.Opcode != dcpmessage.OpStreamRequest {
			return fmt.Errorf("expected STREAM_REQ, got %s", h.Opcode)
		}
		respondSuccess(conn, dcpmessage.OpStreamRequest, h.Opaque, nil)

		markerExtras := make([]byte, 20)
		binary.BigEndian.PutUint64(markerExtras[0:8], 0)
		binary.BigEndian.PutUint64(markerExtras[8:16], endSeqno)
		marker := dcpmessage.Request{
			Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.OpSnapshotMarker, VbucketOrStatus: 0},
			Extras: markerExtras,
		}
		if _, err := conn.Write(marker.Encode()); err != nil {
			return err
		}

		for i := 1; i <= endSeqno; i++ {
			extras := make([]byte, 16)
			extras[7] = byte(i)
			mutation := dcpmessage.Request{
				Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.OpMutation, VbucketOrStatus: 0},
				Extras: extras,
				Key:    []byte("k"),
				Value:  []byte("v"),
			}
			if _, err := conn.Write(mutation.Encode()); err != nil {
				return err
			}
		}

		// the stream already reached its end from the client's own seqno
		// bookkeeping; the server's STREAM_END flag (here DISCONNECTED)
		// must not overwrite the ReasonOK already recorded for it.
		endExtras := make([]byte, 4)
		binary.BigEndian.PutUint32(endExtras, uint32(dcpmessage.StreamEndDisconnected))
		end := dcpmessage.Request{
			Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.OpStreamEnd, VbucketOrStatus: 0},
			Extras: endExtras,
		}
		if _, err := conn.Write(end.Encode()); err != nil {
			return err
		}
		return nil
	})
	defer srv.close()

	env := testEnvironment()
	bus := dcpevents.NewBus()
	session := dcpstate.NewSessionState(1)
	session.Partition(0).SetSeqnoWindow(0, endSeqno)

	received := make(chan DataMessage, endSeqno)
	handler := handlerFunc(func(msg DataMessage, ack AckHandle) {
		received <- msg
		ack.Ack(len(msg.Value))
	})

	ch := NewChannel(srv.addr(), env, bus, session, nil, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	defer ch.Close(context.Background(), false)

	req := session.Partition(0).UseStreamRequest()
	require.NoError(t, ch.OpenStream(ctx, req))

	for i := 1; i <= endSeqno; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for mutation %d", i)
		}
	}

	event, ok := bus.Next(ctx)
	for ; ok && event.Type() != dcpevents.TypeStreamEnd; event, ok = bus.Next(ctx) {
	}
	require.True(t, ok)
	require.Equal(t, dcpevents.StreamEnd{Partition: 0, Reason: "ok"}, event)

	require.Equal(t, dcpstate.Disconnected, session.Partition(0).State())
	require.Equal(t, dcpstate.ReasonOK, session.Partition(0).Reason())

	requireNoServerError(t, srv)
}

func TestChannelUnknownOpcodeDropsConnectionAndPublishesChannelDropped(t *testing.T) {
	srv := startFakeServer(t, func(conn net.Conn) error {
		if err := runHandshake(conn); err != nil {
			return err
		}

		frame := dcpmessage.Request{
			Header: dcpmessage.Header{Magic: dcpmessage.MagicReq, Opcode: dcpmessage.Opcode(0x7f), VbucketOrStatus: 0},
		}
		if _, err := conn.Write(frame.Encode()); err != nil {
			return err
		}
		return nil
	})
	defer srv.close()

	env := testEnvironment()
	bus := dcpevents.NewBus()
	session := dcpstate.NewSessionState(1)

	ch := NewChannel(srv.addr(), env, bus, session, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, ch.Connect(ctx))
	defer ch.Close(context.Background(), false)

	event, ok := bus.Next(ctx)
	require.True(t, ok)
	dropped, isDropped := event.(dcpevents.ChannelDropped)
	require.True(t, isDropped)
	require.Equal(t, srv.addr(), dropped.Address)

	require.Eventually(t, func() bool {
		return ch.State() == ChannelDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	requireNoServerError(t, srv)
}

type handlerFunc func(msg DataMessage, ack AckHandle)

func (f handlerFunc) OnEvent(msg DataMessage, ack AckHandle) {
	f(msg, ack)
}
