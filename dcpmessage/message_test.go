package dcpmessage

import (
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:           MagicReq,
		Opcode:          OpStreamRequest,
		KeyLength:       0,
		ExtrasLength:    48,
		Datatype:        0,
		VbucketOrStatus: 12,
		TotalBodyLength: 48,
		Opaque:          77,
		Cas:             0,
	}

	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, h)

	decoded, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestStreamRequestExtrasRoundTrip(t *testing.T) {
	e := StreamRequestExtras{
		Flags:              0,
		StartSeqno:         50,
		EndSeqno:           0xFFFFFFFFFFFFFFFF,
		VbucketUUID:        12345,
		SnapshotStartSeqno: 50,
		SnapshotEndSeqno:   50,
	}

	encoded := EncodeStreamRequestExtras(e)
	require.Len(t, encoded, 48)

	decoded, err := DecodeStreamRequestExtras(encoded)
	require.NoError(t, err)
	require.Equal(t, e, decoded)
}

func TestStreamRequestEncodeDecodeRoundTripThroughFullFrame(t *testing.T) {
	req := NewStreamRequest(1, 3, StreamRequestExtras{
		StartSeqno:         0,
		EndSeqno:           100,
		VbucketUUID:        99,
		SnapshotStartSeqno: 0,
		SnapshotEndSeqno:   0,
	})

	encoded := req.Encode()
	decodedHeader, err := DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, OpStreamRequest, decodedHeader.Opcode)
	require.Equal(t, uint16(3), decodedHeader.Vbucket())

	extras, err := DecodeStreamRequestExtras(encoded[HeaderSize : HeaderSize+int(decodedHeader.ExtrasLength)])
	require.NoError(t, err)
	require.Equal(t, uint64(100), extras.EndSeqno)
	require.Equal(t, uint64(99), extras.VbucketUUID)
}

func TestDecodeMutationExtrasMinimal(t *testing.T) {
	extras := make([]byte, 16)
	extras[7] = 42 // bySeqno low byte

	e, err := DecodeMutationExtras(extras)
	require.NoError(t, err)
	require.Equal(t, uint64(42), e.BySeqno)
}

func TestDecodeFailoverLog(t *testing.T) {
	body := make([]byte, 32)
	body[7] = 1  // first uuid = 1
	body[15] = 2 // first seqno = 2
	body[23] = 3 // second uuid = 3
	body[31] = 4 // second seqno = 4

	entries, err := DecodeFailoverLog(body)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, FailoverLogEntry{VbucketUUID: 1, Seqno: 2}, entries[0])
	require.Equal(t, FailoverLogEntry{VbucketUUID: 3, Seqno: 4}, entries[1])
}

func TestDecodeFailoverLogRejectsMisalignedBody(t *testing.T) {
	_, err := DecodeFailoverLog(make([]byte, 17))
	require.Error(t, err)
}

func TestDecodeValueSnappy(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeatedly")
	compressed := snappy.Encode(nil, original)

	decoded, err := DecodeValue(DatatypeSnappy, compressed)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestDecodeValueNoSnappyBitPassesThrough(t *testing.T) {
	original := []byte("plain value")
	decoded, err := DecodeValue(0, original)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestNewHelloRequestEncodesFeatures(t *testing.T) {
	req := NewHelloRequest(5, "test-agent", []HelloFeature{FeatureSnappy, FeatureXattr})
	encoded := req.Encode()

	h, err := DecodeHeader(encoded)
	require.NoError(t, err)
	require.Equal(t, OpHello, h.Opcode)
	require.Equal(t, uint16(len("test-agent")), h.KeyLength)
	require.Equal(t, uint32(len("test-agent")+4), h.TotalBodyLength)
}

func TestDecodeAllVBSeqnos(t *testing.T) {
	body := make([]byte, 20)
	body[1] = 1  // vbucket 0 id = 1
	body[9] = 10 // vbucket 0 seqno = 10
	body[11] = 2 // vbucket 1 id = 2
	body[19] = 20

	entries, err := DecodeAllVBSeqnos(body)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, uint16(1), entries[0].VbucketID)
	require.Equal(t, uint64(10), entries[0].Seqno)
}
