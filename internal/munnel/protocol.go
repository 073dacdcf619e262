package munnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// MsgType is the 1-byte tag identifying a control-channel message body,
// per the wire format (4-byte big-endian length prefix, 1-byte tag,
// type-specific body).
type MsgType byte

const (
	MsgHello          MsgType = 0x01
	MsgHelloAck       MsgType = 0x02
	MsgConnect        MsgType = 0x03
	MsgPing           MsgType = 0x04
	MsgPong           MsgType = 0x05
	MsgConnectFailure MsgType = 0x06
	MsgReturnAnnounce MsgType = 0x07
)

// MaxFrameLen is the largest control-channel frame accepted. A longer
// length prefix is a fatal protocol error and tears the session down.
const MaxFrameLen = 64 * 1024

// ChannelMagicControl and ChannelMagicReturn are the first byte written on
// any inbound TCP connection to the Server's bind port, selecting whether
// the connection is a control channel (framed messages follow) or a return
// data socket (a 16-byte request_id follows, then raw payload bytes).
const (
	ChannelMagicControl byte = 'C'
	ChannelMagicReturn  byte = 'R'
)

// RequestID is the 128-bit unpredictable token threaded through Connect and
// the return-socket handshake, minted fresh for every accepted client.
type RequestID [16]byte

// NewRequestID mints a fresh, cryptographically random request id.
func NewRequestID() RequestID {
	return RequestID(uuid.New())
}

func (id RequestID) String() string {
	return uuid.UUID(id).String()
}

// Frame is a decoded control-channel message: a type tag plus its raw body.
type Frame struct {
	Type MsgType
	Body []byte
}

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// (covering the tag byte plus body), the tag, then the body.
func WriteFrame(w io.Writer, msgType MsgType, body []byte) error {
	if len(body)+1 > MaxFrameLen {
		return trace.BadParameter("frame body too large: %d bytes", len(body))
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)+1))
	hdr[4] = byte(msgType)
	if _, err := w.Write(hdr); err != nil {
		return trace.ConnectionProblem(err, "writing frame header")
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return trace.ConnectionProblem(err, "writing frame body")
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A length exceeding
// MaxFrameLen is a fatal protocol error.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, trace.ConnectionProblem(err, "reading frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, trace.BadParameter("empty frame")
	}
	if n > MaxFrameLen {
		return nil, trace.BadParameter("frame of %d bytes exceeds max %d", n, MaxFrameLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, trace.ConnectionProblem(err, "reading frame payload")
	}
	return &Frame{Type: MsgType(payload[0]), Body: payload[1:]}, nil
}

// EncodeHello serializes a Hello message body (Agent -> Server).
func EncodeHello(group string) []byte {
	return []byte(group)
}

// DecodeHello parses a Hello message body.
func DecodeHello(body []byte) (group string) {
	return string(body)
}

// EncodeHelloAck serializes a HelloAck message body (Server -> Agent).
func EncodeHelloAck(agentID uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], agentID)
	return b[:]
}

// DecodeHelloAck parses a HelloAck message body.
func DecodeHelloAck(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, trace.BadParameter("malformed HelloAck body: %d bytes", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

// ConnectMsg is the decoded body of a Connect message.
type ConnectMsg struct {
	RequestID RequestID
	DestHost  string
	DestPort  uint16
}

// EncodeConnect serializes a Connect message body: request_id (16 bytes),
// dest_host_len (u8), dest_host (UTF-8), dest_port (u16 be).
func EncodeConnect(id RequestID, destHost string, destPort uint16) ([]byte, error) {
	if len(destHost) > 255 {
		return nil, trace.BadParameter("dest host %q too long", destHost)
	}
	body := make([]byte, 0, 16+1+len(destHost)+2)
	body = append(body, id[:]...)
	body = append(body, byte(len(destHost)))
	body = append(body, []byte(destHost)...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], destPort)
	body = append(body, portBuf[:]...)
	return body, nil
}

// DecodeConnect parses a Connect message body.
func DecodeConnect(body []byte) (*ConnectMsg, error) {
	if len(body) < 16+1 {
		return nil, trace.BadParameter("malformed Connect body: %d bytes", len(body))
	}
	var id RequestID
	copy(id[:], body[:16])
	hostLen := int(body[16])
	rest := body[17:]
	if len(rest) < hostLen+2 {
		return nil, trace.BadParameter("malformed Connect body: truncated host/port")
	}
	host := string(rest[:hostLen])
	port := binary.BigEndian.Uint16(rest[hostLen : hostLen+2])
	return &ConnectMsg{RequestID: id, DestHost: host, DestPort: port}, nil
}

// ConnectFailureReason is the 1-byte reason code carried by ConnectFailure.
type ConnectFailureReason byte

const (
	ReasonDialFailed ConnectFailureReason = 1
	ReasonOther      ConnectFailureReason = 2
)

// EncodeConnectFailure serializes a ConnectFailure message body.
func EncodeConnectFailure(id RequestID, reason ConnectFailureReason) []byte {
	body := make([]byte, 0, 17)
	body = append(body, id[:]...)
	body = append(body, byte(reason))
	return body
}

// DecodeConnectFailure parses a ConnectFailure message body.
func DecodeConnectFailure(body []byte) (RequestID, ConnectFailureReason, error) {
	var id RequestID
	if len(body) != 17 {
		return id, 0, trace.BadParameter("malformed ConnectFailure body: %d bytes", len(body))
	}
	copy(id[:], body[:16])
	return id, ConnectFailureReason(body[16]), nil
}

// EncodeReturnAnnounce serializes a ReturnAnnounce message body: the
// request_id whose return data socket the Agent is about to open.
func EncodeReturnAnnounce(id RequestID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// DecodeReturnAnnounce parses a ReturnAnnounce message body.
func DecodeReturnAnnounce(body []byte) (RequestID, error) {
	var id RequestID
	if len(body) != 16 {
		return id, trace.BadParameter("malformed ReturnAnnounce body: %d bytes", len(body))
	}
	copy(id[:], body)
	return id, nil
}

// WriteReturnHandshake writes the fixed return-socket preamble: the magic
// byte 'R' followed by the 16-byte request_id.
func WriteReturnHandshake(w io.Writer, id RequestID) error {
	buf := make([]byte, 17)
	buf[0] = ChannelMagicReturn
	copy(buf[1:], id[:])
	if _, err := w.Write(buf); err != nil {
		return trace.ConnectionProblem(err, "writing return handshake")
	}
	return nil
}

// ReadChannelMagic reads the first byte of a freshly accepted connection to
// the Server's bind port and returns whether it is a control or return
// channel. Any other value is a protocol error.
func ReadChannelMagic(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, trace.ConnectionProblem(err, "reading channel magic")
	}
	if b[0] != ChannelMagicControl && b[0] != ChannelMagicReturn {
		return 0, trace.BadParameter("unknown channel magic byte 0x%02x", b[0])
	}
	return b[0], nil
}

// ReadReturnRequestID reads the 16-byte request_id following a return
// channel's magic byte.
func ReadReturnRequestID(r io.Reader) (RequestID, error) {
	var id RequestID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return id, trace.ConnectionProblem(err, "reading return request id")
	}
	return id, nil
}

// DialTimeout is the timeout an Agent uses when dialing a configured
// destination on behalf of a Connect request.
const DialTimeout = 10 * time.Second

func formatHostPort(host string, port uint16) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}
