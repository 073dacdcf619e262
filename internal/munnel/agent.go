package munnel

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jpillora/backoff"
)

// ReconnectWait is the Agent's fixed post-failure reconnect wait (spec.md
// §4.7, §7): "wait 5 seconds, then redial ... The wait is fixed (no
// backoff)". It is produced by a jpillora/backoff.Backoff configured with
// Min == Max, which degenerates to always returning exactly this value —
// keeping the reconnect loop written in the same idiom as a real
// exponential-backoff loop without actually backing off.
const ReconnectWait = 5 * time.Second

// AgentConfig configures an Agent process.
type AgentConfig struct {
	ServerAddr string
	Group      string
	DialFunc   func(network, addr string) (net.Conn, error) // nil uses net.Dial
}

// Agent is the reverse-tunnel client: it holds a single outbound control
// connection to the Server, and for every Connect it receives, dials the
// requested destination and splices it back over a second, tagged TCP
// connection (spec.md §4.6). Its supervisory reconnect loop is specified
// in spec.md §4.7 as a fixed-wait contract; ConnectionLoop implements it.
type Agent struct {
	ShutdownHelper

	cfg AgentConfig
	log Logger

	mu          sync.Mutex
	agentID     uint64
	controlConn net.Conn
}

// NewAgent creates an Agent. Call ConnectionLoop to run it; it does not
// return until the Agent is shut down.
func NewAgent(logger Logger, cfg AgentConfig) *Agent {
	if cfg.DialFunc == nil {
		cfg.DialFunc = net.Dial
	}
	a := &Agent{cfg: cfg, log: logger}
	a.InitShutdownHelper(a)
	return a
}

// ConnectionLoop dials the Server, performs the Hello/HelloAck handshake,
// and processes Connect messages until the control channel fails, then
// waits ReconnectWait and tries again, until shutdown is requested
// (spec.md §4.7 Scenario 6).
func (a *Agent) ConnectionLoop() {
	b := &backoff.Backoff{Min: ReconnectWait, Max: ReconnectWait, Factor: 1}
	for !a.IsStartedShutdown() {
		err := a.runOnce()
		if a.IsStartedShutdown() {
			return
		}
		if err != nil {
			a.log.WLogf("control connection failed: %s", err)
		}
		d := b.Duration()
		a.log.ILogf("reconnecting to %s in %s", a.cfg.ServerAddr, d)
		select {
		case <-time.After(d):
		case <-a.ShutdownStartedChan():
			return
		}
	}
}

func (a *Agent) runOnce() error {
	conn, err := a.cfg.DialFunc("tcp", a.cfg.ServerAddr)
	if err != nil {
		return trace.ConnectionProblem(err, "dial server %s", a.cfg.ServerAddr)
	}

	if _, err := conn.Write([]byte{ChannelMagicControl}); err != nil {
		conn.Close()
		return trace.ConnectionProblem(err, "writing control magic")
	}
	if err := WriteFrame(conn, MsgHello, EncodeHello(a.cfg.Group)); err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	br := bufio.NewReader(conn)
	brConn := bufReaderConn{Conn: conn, r: br}
	frame, err := ReadFrame(brConn)
	if err != nil || frame.Type != MsgHelloAck {
		conn.Close()
		return trace.ConnectionProblem(err, "expected HelloAck")
	}
	agentID, err := DecodeHelloAck(frame.Body)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	a.mu.Lock()
	a.agentID = agentID
	a.controlConn = brConn
	a.mu.Unlock()

	a.log.ILogf("connected to %s as agent %d (group=%q)", a.cfg.ServerAddr, agentID, a.cfg.Group)

	go func() {
		<-a.ShutdownStartedChan()
		conn.Close()
	}()

	return a.readLoop(brConn)
}

func (a *Agent) readLoop(conn net.Conn) error {
	var writeMu sync.Mutex
	send := func(msgType MsgType, body []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(conn, msgType, body)
	}

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			return trace.Wrap(err)
		}
		switch frame.Type {
		case MsgPing:
			if err := send(MsgPong, nil); err != nil {
				return trace.Wrap(err)
			}
		case MsgPong:
			// nothing to do; liveness is implicit in a successful read
		case MsgConnect:
			msg, err := DecodeConnect(frame.Body)
			if err != nil {
				return trace.Wrap(err)
			}
			go a.handleConnect(conn, send, msg)
		default:
			return trace.BadParameter("unexpected message type 0x%02x from server", frame.Type)
		}
	}
}

// handleConnect implements the Agent side of the Return-Socket Dispatcher
// (spec.md §4.6): dial dest_addr; on failure report ConnectFailure and
// stop; on success, announce the return, open a second TCP connection to
// the Server tagged with request_id, then Relay between the two.
func (a *Agent) handleConnect(controlConn net.Conn, send func(MsgType, []byte) error, msg *ConnectMsg) {
	destAddr := formatHostPort(msg.DestHost, msg.DestPort)
	dest, err := a.dialWithTimeout("tcp", destAddr)
	if err != nil {
		a.log.WLogf("dial %s failed for request %s: %s", destAddr, msg.RequestID, err)
		send(MsgConnectFailure, EncodeConnectFailure(msg.RequestID, ReasonDialFailed))
		return
	}

	if err := send(MsgReturnAnnounce, EncodeReturnAnnounce(msg.RequestID)); err != nil {
		a.log.WLogf("failed to announce return for request %s: %s", msg.RequestID, err)
		dest.Close()
		return
	}

	returnConn, err := a.dialWithTimeout("tcp", a.cfg.ServerAddr)
	if err != nil {
		a.log.WLogf("return dial to %s failed for request %s: %s", a.cfg.ServerAddr, msg.RequestID, err)
		dest.Close()
		return
	}
	if err := WriteReturnHandshake(returnConn, msg.RequestID); err != nil {
		a.log.WLogf("return handshake failed for request %s: %s", msg.RequestID, err)
		dest.Close()
		returnConn.Close()
		return
	}

	Relay(dest, returnConn)
}

// dialWithTimeout bounds a dial by DialTimeout. cfg.DialFunc is kept to
// net.Dial's plain (network, addr) signature for easy test injection, so
// the deadline is enforced here by racing it against a context, the same
// shape the teacher's TCPSkeletonEndpoint.Dial gets for free from
// net.Dialer.DialContext.
func (a *Agent) dialWithTimeout(network, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := a.cfg.DialFunc(network, addr)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, trace.ConnectionProblem(ctx.Err(), "dial %s timed out after %s", addr, DialTimeout)
	}
}

// AgentID returns the agent_id most recently assigned by the Server, or 0
// if not currently connected.
func (a *Agent) AgentID() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// HandleOnceShutdown closes the current control connection, if any, which
// unblocks ConnectionLoop's blocking read.
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	a.mu.Lock()
	conn := a.controlConn
	a.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return completionErr
}
