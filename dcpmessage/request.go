package dcpmessage

import (
	"encoding/binary"
)

// HelloFeature is one of the feature codes negotiated by a HELLO exchange.
type HelloFeature uint16

const (
	FeatureTLS                    HelloFeature = 0x02
	FeatureXattr                  HelloFeature = 0x06
	FeatureSnappy                 HelloFeature = 0x0A
	FeatureJSON                   HelloFeature = 0x0B
	FeatureDuplex                 HelloFeature = 0x0C
	FeatureCollections            HelloFeature = 0x12
	FeatureSnappyEverywhere       HelloFeature = 0x19
)

// OpenConnectionFlags are the flags field of an OPEN_CONNECTION request.
const (
	OpenConnectionFlagProducer uint32 = 0x01
)

// ControlKey is a well-known CONTROL request key.
const (
	ControlConnectionBufferSize              = "connection_buffer_size"
	ControlEnableNoop                        = "enable_noop"
	ControlSetNoopInterval                   = "set_noop_interval"
	ControlSetPriority                       = "set_priority"
	ControlEnableExtMetadata                 = "enable_ext_metadata"
	ControlEnableStreamEndOnClientCloseStream = "enable_stream_end_on_client_close_stream"
	ControlSendStreamEndOnClientCloseStream   = "send_stream_end_on_client_close_stream"
)

// Request is a fully-built frame ready to be written to the wire: header
// plus extras/key/value in that order.
type Request struct {
	Header Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// Encode serializes r into a single contiguous buffer.
func (r Request) Encode() []byte {
	buf := make([]byte, HeaderSize+len(r.Extras)+len(r.Key)+len(r.Value))
	h := r.Header
	h.ExtrasLength = uint8(len(r.Extras))
	h.KeyLength = uint16(len(r.Key))
	h.TotalBodyLength = uint32(len(r.Extras) + len(r.Key) + len(r.Value))

	EncodeHeader(buf, h)
	off := HeaderSize
	off += copy(buf[off:], r.Extras)
	off += copy(buf[off:], r.Key)
	copy(buf[off:], r.Value)
	return buf
}

// NewHelloRequest builds a HELLO request advertising features, with agent
// identifying the client in the conventional "name/version" form.
func NewHelloRequest(opaque uint32, agent string, features []HelloFeature) Request {
	value := make([]byte, len(features)*2)
	for i, f := range features {
		binary.BigEndian.PutUint16(value[i*2:i*2+2], uint16(f))
	}

	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpHello, Opaque: opaque},
		Key:    []byte(agent),
		Value:  value,
	}
}

// NewSelectBucketRequest builds a SELECT_BUCKET request.
func NewSelectBucketRequest(opaque uint32, bucket string) Request {
	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpSelectBucket, Opaque: opaque},
		Key:    []byte(bucket),
	}
}

// NewSaslAuthPlainRequest builds a SASL PLAIN authentication request, the
// value being the conventional NUL-separated "\x00user\x00pass" payload.
func NewSaslAuthPlainRequest(opaque uint32, username, password string) Request {
	value := make([]byte, 0, len(username)+len(password)+2)
	value = append(value, 0)
	value = append(value, username...)
	value = append(value, 0)
	value = append(value, password...)

	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpSaslAuth, Opaque: opaque},
		Key:    []byte("PLAIN"),
		Value:  value,
	}
}

// NewOpenConnectionRequest builds an OPEN_CONNECTION request opening a DCP
// producer connection identified by name.
func NewOpenConnectionRequest(opaque uint32, name string, flags uint32) Request {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras[0:4], 0)
	binary.BigEndian.PutUint32(extras[4:8], flags)

	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpOpenConnection, Opaque: opaque},
		Extras: extras,
		Key:    []byte(name),
	}
}

// NewControlRequest builds a CONTROL request setting key to value.
func NewControlRequest(opaque uint32, key, value string) Request {
	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpControl, Opaque: opaque},
		Key:    []byte(key),
		Value:  []byte(value),
	}
}

// NewStreamRequest builds a STREAM_REQ request for vbucket opening a stream
// described by extras.
func NewStreamRequest(opaque uint32, vbucket uint16, extras StreamRequestExtras) Request {
	return Request{
		Header: Header{
			Magic:           MagicReq,
			Opcode:          OpStreamRequest,
			VbucketOrStatus: vbucket,
			Opaque:          opaque,
		},
		Extras: EncodeStreamRequestExtras(extras),
	}
}

// NewCloseStreamRequest builds a CLOSE_STREAM request for vbucket.
func NewCloseStreamRequest(opaque uint32, vbucket uint16) Request {
	return Request{
		Header: Header{
			Magic:           MagicReq,
			Opcode:          OpCloseStream,
			VbucketOrStatus: vbucket,
			Opaque:          opaque,
		},
	}
}

// NewGetFailoverLogRequest builds a GET_FAILOVER_LOG request for vbucket.
func NewGetFailoverLogRequest(opaque uint32, vbucket uint16) Request {
	return Request{
		Header: Header{
			Magic:           MagicReq,
			Opcode:          OpGetFailoverLog,
			VbucketOrStatus: vbucket,
			Opaque:          opaque,
		},
	}
}

// NewGetAllVBSeqnosRequest builds a GET_ALL_VB_SEQNOS request.
func NewGetAllVBSeqnosRequest(opaque uint32) Request {
	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpGetAllVBSeqnos, Opaque: opaque},
	}
}

// NewBufferAcknowledgmentRequest builds a BUFFER_ACKNOWLEDGEMENT request
// acknowledging bytes bytes received.
func NewBufferAcknowledgmentRequest(opaque uint32, bytes uint32) Request {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, bytes)

	return Request{
		Header: Header{Magic: MagicReq, Opcode: OpBufferAcknowledgment, Opaque: opaque},
		Extras: extras,
	}
}

// NewNoopResponse builds a NOOP response frame replying to a server-sent
// NOOP request with the same opaque.
func NewNoopResponse(opaque uint32) Request {
	return Request{
		Header: Header{Magic: MagicRes, Opcode: OpNoop, Opaque: opaque},
	}
}
