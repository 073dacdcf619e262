package munnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// PingInterval is the recommended default idle keepalive cadence for a
// control channel (spec.md §4.1/§5).
const PingInterval = 30 * time.Second

// PongTimeout is how long the Server waits for a Pong before tearing down
// a control channel it considers half-open (spec.md §5).
const PongTimeout = 60 * time.Second

// outgoingFrame is one queued control-channel message.
type outgoingFrame struct {
	msgType MsgType
	body    []byte
}

// AgentSession is the Server's handle on one connected Agent's control
// channel: its group, lifecycle state, in-flight request count, and the
// serialized writer queue that lets multiple Service Listeners enqueue
// Connect messages concurrently without interleaving partial frames on
// the wire (spec.md §5).
type AgentSession struct {
	ShutdownHelper

	id    uint64
	group string
	conn  net.Conn
	clock clockwork.Clock
	log   Logger

	registry *AgentRegistry
	pending  *PendingRequestTable

	mu        sync.Mutex
	state     SessionState
	lastPongAt time.Time

	inFlight int64

	sendCh chan outgoingFrame
}

// NewAgentSession wraps a freshly accepted control connection. The caller
// must still complete the Hello/HelloAck handshake and call
// AgentRegistry.Insert before calling Run.
func NewAgentSession(logger Logger, conn net.Conn, group string, registry *AgentRegistry, pending *PendingRequestTable, clock clockwork.Clock) *AgentSession {
	s := &AgentSession{
		group:    group,
		conn:     conn,
		clock:    clock,
		log:      logger,
		registry: registry,
		pending:  pending,
		state:    SessionAccepted,
		sendCh:   make(chan outgoingFrame, 64),
	}
	s.InitShutdownHelper(s)
	return s
}

// ID returns the agent_id assigned at Insert time.
func (s *AgentSession) ID() uint64 { return s.id }

// Group returns the group the agent declared in Hello.
func (s *AgentSession) Group() string { return s.group }

// State returns the current lifecycle state.
func (s *AgentSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *AgentSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// InFlight returns the current in-flight request counter.
func (s *AgentSession) InFlight() int64 {
	return atomic.LoadInt64(&s.inFlight)
}

// decrementInFlight retires one dispatched request, called either when the
// agent reports ConnectFailure or when the Server claims the matching
// return socket — the two ways a dispatched Connect stops being in flight.
func (s *AgentSession) decrementInFlight() {
	atomic.AddInt64(&s.inFlight, -1)
}

// MarkLive transitions Accepted/HelloReceived -> Live after HelloAck has
// been written, and starts the writer and ping-watchdog loops.
func (s *AgentSession) MarkLive() {
	s.setState(SessionLive)
	go s.writerLoop()
	go s.pingLoop()
}

// EnqueueConnect serializes and queues a Connect message for this agent,
// incrementing the in-flight counter. It does not block on the network;
// it only blocks if the internal queue is full, applying natural
// backpressure to a Service Listener rather than an unbounded buffer.
func (s *AgentSession) EnqueueConnect(id RequestID, destHost string, destPort uint16) error {
	if s.State() != SessionLive {
		return trace.ConnectionProblem(nil, "agent %d is not live", s.id)
	}
	body, err := EncodeConnect(id, destHost, destPort)
	if err != nil {
		return trace.Wrap(err)
	}
	atomic.AddInt64(&s.inFlight, 1)
	select {
	case s.sendCh <- outgoingFrame{msgType: MsgConnect, body: body}:
		return nil
	case <-s.ShutdownStartedChan():
		atomic.AddInt64(&s.inFlight, -1)
		return trace.ConnectionProblem(nil, "agent %d session is shutting down", s.id)
	}
}

func (s *AgentSession) enqueueRaw(msgType MsgType, body []byte) error {
	select {
	case s.sendCh <- outgoingFrame{msgType: msgType, body: body}:
		return nil
	case <-s.ShutdownStartedChan():
		return trace.ConnectionProblem(nil, "agent %d session is shutting down", s.id)
	}
}

func (s *AgentSession) writerLoop() {
	for {
		select {
		case f := <-s.sendCh:
			if err := WriteFrame(s.conn, f.msgType, f.body); err != nil {
				s.log.WLogf("write failed, tearing down session: %s", err)
				s.StartShutdown(err)
				return
			}
		case <-s.ShutdownStartedChan():
			return
		}
	}
}

// pingLoop sends an idle Ping every PingInterval and tears the session
// down if no Pong (and no other traffic) has been seen within
// PongTimeout.
func (s *AgentSession) pingLoop() {
	s.mu.Lock()
	s.lastPongAt = s.clock.Now()
	s.mu.Unlock()

	ticker := s.clock.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.enqueueRaw(MsgPing, nil)
			s.mu.Lock()
			stale := s.clock.Now().Sub(s.lastPongAt) > PongTimeout
			s.mu.Unlock()
			if stale {
				s.log.WLogf("no pong from agent %d within %s, tearing down", s.id, PongTimeout)
				s.StartShutdown(trace.ConnectionProblem(nil, "ping timeout"))
				return
			}
		case <-s.ShutdownStartedChan():
			return
		}
	}
}

func (s *AgentSession) touchLiveness() {
	s.mu.Lock()
	s.lastPongAt = s.clock.Now()
	s.mu.Unlock()
}

// ReaderLoop decodes frames from the control connection until it errors or
// shutdown begins, dispatching each to its handler. It runs on the
// goroutine that accepted the connection and returns when the channel
// should be torn down.
func (s *AgentSession) ReaderLoop() {
	for {
		frame, err := ReadFrame(s.conn)
		if err != nil {
			s.log.WLogf("agent %d control channel read failed: %s", s.id, err)
			s.StartShutdown(err)
			return
		}
		s.touchLiveness()
		switch frame.Type {
		case MsgPing:
			s.enqueueRaw(MsgPong, nil)
		case MsgPong:
			// liveness already updated above
		case MsgConnectFailure:
			id, reason, err := DecodeConnectFailure(frame.Body)
			if err != nil {
				s.log.WLogf("malformed ConnectFailure from agent %d: %s", s.id, err)
				s.StartShutdown(err)
				return
			}
			s.decrementInFlight()
			s.log.DLogf("agent %d reported ConnectFailure for %s (reason %d)", s.id, id, reason)
			s.pending.CancelOne(id)
		case MsgReturnAnnounce:
			id, err := DecodeReturnAnnounce(frame.Body)
			if err != nil {
				s.log.WLogf("malformed ReturnAnnounce from agent %d: %s", s.id, err)
				s.StartShutdown(err)
				return
			}
			if err := s.pending.Announce(id, s.id); err != nil {
				s.log.WLogf("rejected ReturnAnnounce from agent %d: %s", s.id, err)
			}
		case MsgHello, MsgHelloAck, MsgConnect:
			s.log.WLogf("agent %d sent server-to-agent message type 0x%02x, tearing down", s.id, frame.Type)
			s.StartShutdown(trace.BadParameter("unexpected message type 0x%02x from agent", frame.Type))
			return
		default:
			s.log.WLogf("agent %d sent unknown message type 0x%02x, tearing down", s.id, frame.Type)
			s.StartShutdown(trace.BadParameter("unknown message type 0x%02x", frame.Type))
			return
		}
	}
}

// HandleOnceShutdown tears the session down exactly once: it removes the
// session from the registry (if inserted) and cancels every pending
// request dispatched to it, then closes the underlying TCP connection.
func (s *AgentSession) HandleOnceShutdown(completionErr error) error {
	s.setState(SessionDead)
	if s.registry != nil && s.id != 0 {
		s.registry.Remove(s.id)
	}
	if s.pending != nil && s.id != 0 {
		n := s.pending.CancelAllForAgent(s.id)
		if n > 0 {
			s.log.ILogf("cancelled %d pending request(s) for agent %d", n, s.id)
		}
	}
	s.conn.Close()
	return completionErr
}
