package munnel

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// DrainDeadline bounds how long the Server waits for in-flight Relays to
// finish on their own after a graceful shutdown is requested before it
// force-closes whatever sockets remain (spec.md §4.7).
const DrainDeadline = 30 * time.Second

// PendingRequestTimeout is the recommended default age at which an
// unresolved pending request is cancelled by the sweeper (spec.md §4.4,
// §5). The Open Question of whether to ship the sweeper on day one is
// resolved in SPEC_FULL.md §9: it ships enabled by default.
const PendingRequestTimeout = 60 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	BindAddr              string
	Services              []ServiceDescriptor
	Clock                 clockwork.Clock
	PendingRequestTimeout time.Duration
}

// Server is the reverse-tunnel broker: it accepts Agent control
// connections and return data sockets on one bind address, and one
// ServiceListener per configured service on each service's own
// listen_addr. AgentRegistry and PendingRequestTable are owned here and
// passed down explicitly rather than reached through module-scope
// mutable state (spec.md §9).
type Server struct {
	ShutdownHelper

	cfg      ServerConfig
	log      Logger
	clock    clockwork.Clock
	registry *AgentRegistry
	pending  *PendingRequestTable

	listener  net.Listener
	listeners []*ServiceListener

	relayMu    sync.Mutex
	relayConns map[net.Conn]net.Conn
	relayWG    sync.WaitGroup
}

// NewServer validates cfg and constructs a Server. Empty or duplicate
// service names are configuration errors, surfaced before any socket is
// touched.
func NewServer(logger Logger, cfg ServerConfig) (*Server, error) {
	seen := make(map[string]bool)
	for _, svc := range cfg.Services {
		if svc.Name == "" {
			return nil, trace.BadParameter("service with empty name")
		}
		if seen[svc.Name] {
			return nil, trace.BadParameter("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PendingRequestTimeout == 0 {
		cfg.PendingRequestTimeout = PendingRequestTimeout
	}
	s := &Server{
		cfg:        cfg,
		log:        logger,
		clock:      cfg.Clock,
		registry:   NewAgentRegistry(),
		pending:    NewPendingRequestTable(cfg.Clock),
		relayConns: make(map[net.Conn]net.Conn),
	}
	s.InitShutdownHelper(s)
	return s, nil
}

// Run binds the control/return port and every configured service's
// listen_addr, then blocks until shutdown completes.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return trace.BadParameter("bind %s failed: %s", s.cfg.BindAddr, err)
	}
	s.listener = ln
	s.log.ILogf("accepting agents and clients on %s", s.cfg.BindAddr)

	for _, svc := range s.cfg.Services {
		sl := NewServiceListener(s.log, svc, s.registry, s.pending)
		if err := sl.Start(); err != nil {
			s.listener.Close()
			return err
		}
		s.listeners = append(s.listeners, sl)
	}

	go s.runSweeper()
	go func() {
		<-s.ShutdownStartedChan()
		s.listener.Close()
	}()

	s.acceptLoop()
	return s.WaitShutdown()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ShutdownStartedChan():
			default:
				s.log.WLogf("accept failed, stopping: %s", err)
				s.StartShutdown(trace.Wrap(err))
			}
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn implements spec.md §4.6's channel discrimination: the first
// byte selects control ('C', framed messages follow) or return data
// ('R', a 16-byte request_id follows, then raw payload).
func (s *Server) handleConn(conn net.Conn) {
	br := bufio.NewReader(conn)
	magic, err := br.ReadByte()
	if err != nil {
		conn.Close()
		return
	}
	switch magic {
	case ChannelMagicControl:
		s.handleControlConn(bufReaderConn{Conn: conn, r: br})
	case ChannelMagicReturn:
		s.handleReturnConn(bufReaderConn{Conn: conn, r: br})
	default:
		s.log.WLogf("unknown channel magic 0x%02x from %s, dropping", magic, conn.RemoteAddr())
		conn.Close()
	}
}

// handleControlConn performs the Hello/HelloAck handshake and, once
// successful, hands the connection to an AgentSession reader loop for the
// remainder of its lifetime (spec.md §4.7 state machine: Accepted ->
// HelloReceived -> Live).
func (s *Server) handleControlConn(conn net.Conn) {
	frame, err := ReadFrame(conn)
	if err != nil || frame.Type != MsgHello {
		s.log.WLogf("expected Hello from %s, got err=%v type=%v", conn.RemoteAddr(), err, frame)
		conn.Close()
		return
	}
	group := DecodeHello(frame.Body)

	session := NewAgentSession(s.log, conn, group, s.registry, s.pending, s.clock)
	session.setState(SessionHelloReceived)

	agentID := s.registry.Insert(session)

	if err := WriteFrame(conn, MsgHelloAck, EncodeHelloAck(agentID)); err != nil {
		s.log.WLogf("HelloAck to new agent %d failed: %s", agentID, err)
		s.registry.Remove(agentID)
		conn.Close()
		return
	}

	session.MarkLive()
	s.log.ILogf("agent %d connected (group=%q) from %s", agentID, group, conn.RemoteAddr())

	s.AddShutdownChild(&session.ShutdownHelper)
	session.ReaderLoop()
}

// handleReturnConn implements the Server side of the Return-Socket
// Dispatcher (spec.md §4.6): read the request_id, claim the matching
// pending client, and start Relay. An unmatched request_id just drops the
// forged or late socket; it never tears down an agent.
func (s *Server) handleReturnConn(conn net.Conn) {
	id, err := ReadReturnRequestID(conn)
	if err != nil {
		conn.Close()
		return
	}
	clientConn, agentID, err := s.pending.Claim(id)
	if err != nil {
		s.log.DLogf("return socket for unknown/unannounced request %s, dropping: %s", id, err)
		conn.Close()
		return
	}
	if session, ok := s.registry.Get(agentID); ok {
		session.decrementInFlight()
	}
	s.log.DLogf("paired return socket for request %s, starting relay", id)
	s.relayWG.Add(1)
	s.relayMu.Lock()
	s.relayConns[clientConn] = conn
	s.relayMu.Unlock()
	defer func() {
		s.relayMu.Lock()
		delete(s.relayConns, clientConn)
		s.relayMu.Unlock()
		s.relayWG.Done()
	}()
	Relay(clientConn, conn)
}

func (s *Server) runSweeper() {
	ticker := s.clock.NewTicker(s.cfg.PendingRequestTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			n := s.pending.TimeoutSweep(s.cfg.PendingRequestTimeout)
			if n > 0 {
				s.log.ILogf("timeout sweep cancelled %d pending request(s)", n)
			}
		case <-s.ShutdownStartedChan():
			return
		}
	}
}

// HandleOnceShutdown stops accepting new clients and agents, then grants
// in-flight Relays DrainDeadline to finish (spec.md §4.7); if the deadline
// passes first, it force-closes both sockets of every Relay still running.
// AgentSession children, registered via AddShutdownChild, are torn down
// (and their pending requests cancelled) once this method has returned.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	for _, sl := range s.listeners {
		sl.Shutdown(completionErr)
	}

	drained := make(chan struct{})
	go func() {
		s.relayWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-s.clock.After(DrainDeadline):
		s.log.WLogf("drain deadline of %s reached, force-closing remaining relays", DrainDeadline)
		s.relayMu.Lock()
		for client, remote := range s.relayConns {
			client.Close()
			remote.Close()
		}
		s.relayMu.Unlock()
	}
	return completionErr
}

// bufReaderConn adapts a net.Conn whose first byte has already been
// consumed by a bufio.Reader back into something ReadFrame/ReadReturnRequestID
// can read from without losing any buffered bytes.
type bufReaderConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufReaderConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// CloseWrite forwards to the wrapped conn's CloseWrite when it has one, so
// bufReaderConn still satisfies Relay's halfCloser interface instead of
// silently falling back to a full Close on half-close.
func (c bufReaderConn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
