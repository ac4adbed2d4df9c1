// Package dcpmessage implements the wire codec for the Couchbase memcached
// binary protocol as used by DCP: the 24-byte header and the per-opcode
// extras layouts a Channel needs to build requests and decode responses.
package dcpmessage

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const HeaderSize = 24

// Magic identifies whether a frame is a request or a response.
type Magic byte

const (
	MagicReq Magic = 0x80
	MagicRes Magic = 0x81
)

// Opcode is a memcached binary protocol opcode, including the DCP extension
// range used by this client.
type Opcode byte

const (
	OpHello                Opcode = 0x1F
	OpSaslAuth             Opcode = 0x21
	OpGetAllVBSeqnos       Opcode = 0x48
	OpOpenConnection       Opcode = 0x50
	OpAddStream            Opcode = 0x51
	OpCloseStream          Opcode = 0x52
	OpStreamRequest        Opcode = 0x53
	OpGetFailoverLog       Opcode = 0x54
	OpStreamEnd            Opcode = 0x55
	OpSnapshotMarker       Opcode = 0x56
	OpMutation             Opcode = 0x57
	OpDeletion             Opcode = 0x58
	OpExpiration           Opcode = 0x59
	OpSetVbucketState      Opcode = 0x5B
	OpNoop                 Opcode = 0x5C
	OpBufferAcknowledgment Opcode = 0x5D
	OpControl              Opcode = 0x5E
	OpSelectBucket         Opcode = 0x89
)

func (o Opcode) String() string {
	switch o {
	case OpHello:
		return "HELLO"
	case OpSaslAuth:
		return "SASL_AUTH"
	case OpGetAllVBSeqnos:
		return "GET_ALL_VB_SEQNOS"
	case OpOpenConnection:
		return "OPEN_CONNECTION"
	case OpAddStream:
		return "ADD_STREAM"
	case OpCloseStream:
		return "CLOSE_STREAM"
	case OpStreamRequest:
		return "STREAM_REQ"
	case OpGetFailoverLog:
		return "GET_FAILOVER_LOG"
	case OpStreamEnd:
		return "STREAM_END"
	case OpSnapshotMarker:
		return "SNAPSHOT_MARKER"
	case OpMutation:
		return "MUTATION"
	case OpDeletion:
		return "DELETION"
	case OpExpiration:
		return "EXPIRATION"
	case OpSetVbucketState:
		return "SET_VBUCKET_STATE"
	case OpNoop:
		return "NOOP"
	case OpBufferAcknowledgment:
		return "BUFFER_ACKNOWLEDGEMENT"
	case OpControl:
		return "CONTROL"
	case OpSelectBucket:
		return "SELECT_BUCKET"
	default:
		return "UNKNOWN"
	}
}

// Status is a response status code. Zero means success.
type Status uint16

const (
	StatusSuccess       Status = 0x00
	StatusKeyNotFound    Status = 0x01
	StatusAuthError      Status = 0x20
	StatusNotMyVbucket   Status = 0x07
	StatusRollback       Status = 0x23
	StatusNoBucket       Status = 0x24
	StatusTmpFail        Status = 0x86
	StatusEBusy          Status = 0x85
	StatusUnknownCommand Status = 0x81
)

// Datatype bits carried in the header's data type byte.
const (
	DatatypeJSON  byte = 0x01
	DatatypeSnappy byte = 0x02
	DatatypeXattr byte = 0x04
)

// Header is the decoded 24-byte frame header shared by requests and
// responses; VbucketOrStatus holds the vbucket id on a request and the
// status code on a response.
type Header struct {
	Magic            Magic
	Opcode           Opcode
	KeyLength        uint16
	ExtrasLength     uint8
	Datatype         uint8
	VbucketOrStatus  uint16
	TotalBodyLength  uint32
	Opaque           uint32
	Cas              uint64
}

// Status interprets VbucketOrStatus as a response status. Only meaningful
// when Magic == MagicRes.
func (h Header) Status() Status {
	return Status(h.VbucketOrStatus)
}

// Vbucket interprets VbucketOrStatus as a request vbucket id. Only
// meaningful when Magic == MagicReq.
func (h Header) Vbucket() uint16 {
	return h.VbucketOrStatus
}

// ErrShortHeader is returned by DecodeHeader when fewer than HeaderSize
// bytes are available.
var ErrShortHeader = errors.New("dcpmessage: short header")

// DecodeHeader parses the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}

	return Header{
		Magic:           Magic(buf[0]),
		Opcode:          Opcode(buf[1]),
		KeyLength:       binary.BigEndian.Uint16(buf[2:4]),
		ExtrasLength:    buf[4],
		Datatype:        buf[5],
		VbucketOrStatus: binary.BigEndian.Uint16(buf[6:8]),
		TotalBodyLength: binary.BigEndian.Uint32(buf[8:12]),
		Opaque:          binary.BigEndian.Uint32(buf[12:16]),
		Cas:             binary.BigEndian.Uint64(buf[16:24]),
	}, nil
}

// EncodeHeader writes h's HeaderSize-byte representation into buf, which
// must be at least HeaderSize bytes long.
func EncodeHeader(buf []byte, h Header) {
	buf[0] = byte(h.Magic)
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLength)
	buf[4] = h.ExtrasLength
	buf[5] = h.Datatype
	binary.BigEndian.PutUint16(buf[6:8], h.VbucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:12], h.TotalBodyLength)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.Cas)
}

// BodyLength returns the length of extras+key+value that follows the header,
// per TotalBodyLength.
func (h Header) BodyLength() int {
	return int(h.TotalBodyLength)
}

// ExtrasEnd returns the offset within the body (not including the header)
// where extras end and key begins.
func (h Header) ExtrasEnd() int {
	return int(h.ExtrasLength)
}

// KeyEnd returns the offset within the body where the key ends and the
// value begins.
func (h Header) KeyEnd() int {
	return h.ExtrasEnd() + int(h.KeyLength)
}

// HasSnappyValue reports whether the value portion of the body is
// snappy-compressed per the datatype byte.
func (h Header) HasSnappyValue() bool {
	return h.Datatype&DatatypeSnappy != 0
}
