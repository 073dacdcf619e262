package munnel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body, err := EncodeConnect(NewRequestID(), "internal.example", 8080)
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, MsgConnect, body))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, MsgConnect, frame.Type)

	msg, err := DecodeConnect(frame.Body)
	require.NoError(t, err)
	require.Equal(t, "internal.example", msg.DestHost)
	require.Equal(t, uint16(8080), msg.DestPort)
}

// TestFrameMaxSizeBoundary is the boundary property from spec.md §8: a
// frame exactly at MaxFrameLen is accepted, one byte larger is rejected.
func TestFrameMaxSizeBoundary(t *testing.T) {
	atMax := make([]byte, MaxFrameLen-1) // -1 for the tag byte WriteFrame adds
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgConnect, atMax))
	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Len(t, frame.Body, len(atMax))

	tooBig := make([]byte, MaxFrameLen)
	err = WriteFrame(&buf, MsgConnect, tooBig)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestRequestIDUniqueness(t *testing.T) {
	seen := make(map[RequestID]bool)
	for i := 0; i < 10000; i++ {
		id := NewRequestID()
		require.False(t, seen[id], "request id collision at iteration %d", i)
		seen[id] = true
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	body := EncodeHelloAck(42)
	id, err := DecodeHelloAck(body)
	require.NoError(t, err)
	require.Equal(t, uint64(42), id)

	_, err = DecodeHelloAck([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestConnectFailureRoundTrip(t *testing.T) {
	id := NewRequestID()
	body := EncodeConnectFailure(id, ReasonDialFailed)
	gotID, reason, err := DecodeConnectFailure(body)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, ReasonDialFailed, reason)
}

func TestReturnAnnounceRoundTrip(t *testing.T) {
	id := NewRequestID()
	body := EncodeReturnAnnounce(id)
	gotID, err := DecodeReturnAnnounce(body)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
}

func TestReturnHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := NewRequestID()
	require.NoError(t, WriteReturnHandshake(&buf, id))

	magic, err := ReadChannelMagic(&buf)
	require.NoError(t, err)
	require.Equal(t, ChannelMagicReturn, magic)

	gotID, err := ReadReturnRequestID(&buf)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
}

func TestReadChannelMagicRejectsUnknownByte(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'X'})
	_, err := ReadChannelMagic(buf)
	require.Error(t, err)
}
