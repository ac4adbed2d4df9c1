package dcpmessage

import (
	"encoding/binary"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// MutationExtras is the 16 (deletion/expiration) or 31-byte (mutation)
// extras block that accompanies MUTATION/DELETION/EXPIRATION frames. This
// client only reads the fields it needs to track ordering and flow control.
type MutationExtras struct {
	BySeqno      uint64
	RevSeqno     uint64
	Flags        uint32
	Expiry       uint32
	LockTime     uint32
	MetadataSize uint16
	Nru          uint8
}

// DecodeMutationExtras parses extras, the ExtrasLength-byte slice that
// follows a mutation/deletion/expiration frame's header. Deletion and
// expiration frames omit flags/expiry/lockTime/metadataSize/nru on some
// server versions, so only the leading bySeqno/revSeqno pair is guaranteed.
func DecodeMutationExtras(extras []byte) (MutationExtras, error) {
	if len(extras) < 16 {
		return MutationExtras{}, errors.New("dcpmessage: mutation extras too short")
	}

	e := MutationExtras{
		BySeqno:  binary.BigEndian.Uint64(extras[0:8]),
		RevSeqno: binary.BigEndian.Uint64(extras[8:16]),
	}

	if len(extras) >= 24 {
		e.Flags = binary.BigEndian.Uint32(extras[16:20])
		e.Expiry = binary.BigEndian.Uint32(extras[20:24])
	}
	if len(extras) >= 28 {
		e.LockTime = binary.BigEndian.Uint32(extras[24:28])
	}
	if len(extras) >= 30 {
		e.MetadataSize = binary.BigEndian.Uint16(extras[28:30])
	}
	if len(extras) >= 31 {
		e.Nru = extras[30]
	}

	return e, nil
}

// DecodeValue returns value, decompressing it with snappy first when
// datatype carries the snappy bit.
func DecodeValue(datatype byte, value []byte) ([]byte, error) {
	if datatype&DatatypeSnappy == 0 {
		return value, nil
	}

	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		return nil, errors.Wrap(err, "dcpmessage: snappy decode failed")
	}
	return decoded, nil
}

// SnapshotMarkerExtras is the 20-byte extras block of a SNAPSHOT_MARKER
// frame.
type SnapshotMarkerExtras struct {
	StartSeqno uint64
	EndSeqno   uint64
	Flags      uint32
}

const (
	SnapshotMarkerMemory    uint32 = 0x01
	SnapshotMarkerDisk      uint32 = 0x02
	SnapshotMarkerChkpoint  uint32 = 0x04
	SnapshotMarkerAck       uint32 = 0x08
)

func DecodeSnapshotMarkerExtras(extras []byte) (SnapshotMarkerExtras, error) {
	if len(extras) < 20 {
		return SnapshotMarkerExtras{}, errors.New("dcpmessage: snapshot marker extras too short")
	}

	return SnapshotMarkerExtras{
		StartSeqno: binary.BigEndian.Uint64(extras[0:8]),
		EndSeqno:   binary.BigEndian.Uint64(extras[8:16]),
		Flags:      binary.BigEndian.Uint32(extras[16:20]),
	}, nil
}

// StreamEndFlag is the 4-byte extras value a STREAM_END frame carries,
// stating why the producer ended the stream.
type StreamEndFlag uint32

const (
	StreamEndOK           StreamEndFlag = 0x00
	StreamEndClosed       StreamEndFlag = 0x01
	StreamEndStateChanged StreamEndFlag = 0x02
	StreamEndDisconnected StreamEndFlag = 0x03
	StreamEndTooSlow      StreamEndFlag = 0x04
	StreamEndBackfillFail StreamEndFlag = 0x05
	StreamEndFilterEmpty  StreamEndFlag = 0x06
)

// DecodeStreamEndExtras parses the 4-byte extras block of a STREAM_END
// frame.
func DecodeStreamEndExtras(extras []byte) (StreamEndFlag, error) {
	if len(extras) < 4 {
		return 0, errors.New("dcpmessage: stream end extras too short")
	}
	return StreamEndFlag(binary.BigEndian.Uint32(extras[0:4])), nil
}

// FailoverLogEntry is one (vbucketUUID, seqno) pair from a GET_FAILOVER_LOG
// response body, most-recent-first.
type FailoverLogEntry struct {
	VbucketUUID uint64
	Seqno       uint64
}

// DecodeFailoverLog parses a GET_FAILOVER_LOG response body into its
// 16-byte (uuid, seqno) pairs.
func DecodeFailoverLog(body []byte) ([]FailoverLogEntry, error) {
	if len(body)%16 != 0 {
		return nil, errors.New("dcpmessage: failover log body not a multiple of 16 bytes")
	}

	entries := make([]FailoverLogEntry, 0, len(body)/16)
	for off := 0; off < len(body); off += 16 {
		entries = append(entries, FailoverLogEntry{
			VbucketUUID: binary.BigEndian.Uint64(body[off : off+8]),
			Seqno:       binary.BigEndian.Uint64(body[off+8 : off+16]),
		})
	}
	return entries, nil
}

// StreamRequestExtras is the 48-byte extras block of a STREAM_REQ frame.
type StreamRequestExtras struct {
	Flags              uint32
	Reserved           uint32
	StartSeqno         uint64
	EndSeqno           uint64
	VbucketUUID        uint64
	SnapshotStartSeqno uint64
	SnapshotEndSeqno   uint64
}

const (
	StreamRequestFlagNone           uint32 = 0x00
	StreamRequestFlagActiveOnly     uint32 = 0x10
)

// EncodeStreamRequestExtras serializes e as the 48-byte STREAM_REQ extras
// block.
func EncodeStreamRequestExtras(e StreamRequestExtras) []byte {
	buf := make([]byte, 48)
	binary.BigEndian.PutUint32(buf[0:4], e.Flags)
	binary.BigEndian.PutUint32(buf[4:8], e.Reserved)
	binary.BigEndian.PutUint64(buf[8:16], e.StartSeqno)
	binary.BigEndian.PutUint64(buf[16:24], e.EndSeqno)
	binary.BigEndian.PutUint64(buf[24:32], e.VbucketUUID)
	binary.BigEndian.PutUint64(buf[32:40], e.SnapshotStartSeqno)
	binary.BigEndian.PutUint64(buf[40:48], e.SnapshotEndSeqno)
	return buf
}

// DecodeStreamRequestExtras parses a 48-byte STREAM_REQ extras block, used
// by the fake-server test harness and by any component that needs to
// inspect an outbound request it built.
func DecodeStreamRequestExtras(extras []byte) (StreamRequestExtras, error) {
	if len(extras) < 48 {
		return StreamRequestExtras{}, errors.New("dcpmessage: stream request extras too short")
	}

	return StreamRequestExtras{
		Flags:              binary.BigEndian.Uint32(extras[0:4]),
		Reserved:           binary.BigEndian.Uint32(extras[4:8]),
		StartSeqno:         binary.BigEndian.Uint64(extras[8:16]),
		EndSeqno:           binary.BigEndian.Uint64(extras[16:24]),
		VbucketUUID:        binary.BigEndian.Uint64(extras[24:32]),
		SnapshotStartSeqno: binary.BigEndian.Uint64(extras[32:40]),
		SnapshotEndSeqno:   binary.BigEndian.Uint64(extras[40:48]),
	}, nil
}

// RollbackSeqno parses the 8-byte body of a STREAM_REQ rollback response.
func RollbackSeqno(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, errors.New("dcpmessage: rollback body too short")
	}
	return binary.BigEndian.Uint64(body[0:8]), nil
}

// VbucketSeqno is one (vbucketID, seqno) entry from a GET_ALL_VB_SEQNOS
// response body.
type VbucketSeqno struct {
	VbucketID uint16
	Seqno     uint64
}

// DecodeAllVBSeqnos parses a GET_ALL_VB_SEQNOS response body's repeated
// 10-byte (vbucketID uint16, seqno uint64) entries.
func DecodeAllVBSeqnos(body []byte) ([]VbucketSeqno, error) {
	if len(body)%10 != 0 {
		return nil, errors.New("dcpmessage: all-vb-seqnos body not a multiple of 10 bytes")
	}

	entries := make([]VbucketSeqno, 0, len(body)/10)
	for off := 0; off < len(body); off += 10 {
		entries = append(entries, VbucketSeqno{
			VbucketID: binary.BigEndian.Uint16(body[off : off+2]),
			Seqno:     binary.BigEndian.Uint64(body[off+2 : off+10]),
		})
	}
	return entries, nil
}
