package munnel

import (
	"net"

	"github.com/gravitational/trace"
)

// ServiceDescriptor is one configured service, immutable after boot
// (spec.md §3): a diagnostic name, an optional group ("" matches agents
// that registered with no group), the address the Server binds to accept
// clients, and the host:port the Agent must dial on a Connect.
type ServiceDescriptor struct {
	Name       string
	Group      string
	ListenAddr string
	DestHost   string
	DestPort   uint16
}

// ServiceListener binds one ServiceDescriptor's listen_addr and, for every
// accepted client, mints a request id, selects an agent from the
// configured group, parks the client, and dispatches a Connect — the
// component spec.md §4.5 calls out as the Server's largest single piece.
type ServiceListener struct {
	ShutdownHelper

	desc     ServiceDescriptor
	registry *AgentRegistry
	pending  *PendingRequestTable
	log      Logger

	listener net.Listener
}

// NewServiceListener creates a ServiceListener for desc. Call Start to bind
// and begin accepting.
func NewServiceListener(logger Logger, desc ServiceDescriptor, registry *AgentRegistry, pending *PendingRequestTable) *ServiceListener {
	l := &ServiceListener{
		desc:     desc,
		registry: registry,
		pending:  pending,
		log:      logger.Fork("service:%s", desc.Name),
	}
	l.InitShutdownHelper(l)
	return l
}

// Start binds desc.ListenAddr and begins accepting clients in the
// background. A bind failure is a configuration error (spec.md §7).
func (l *ServiceListener) Start() error {
	ln, err := net.Listen("tcp", l.desc.ListenAddr)
	if err != nil {
		return trace.BadParameter("service %q: bind %s failed: %s", l.desc.Name, l.desc.ListenAddr, err)
	}
	l.listener = ln
	l.log.ILogf("listening on %s (group=%q, dest=%s:%d)", l.desc.ListenAddr, l.desc.Group, l.desc.DestHost, l.desc.DestPort)
	go l.acceptLoop()
	return nil
}

func (l *ServiceListener) acceptLoop() {
	go func() {
		<-l.ShutdownStartedChan()
		l.listener.Close()
	}()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ShutdownStartedChan():
			default:
				l.log.WLogf("accept failed, stopping: %s", err)
			}
			return
		}
		go l.handleClient(conn)
	}
}

// handleClient implements the exact ordering required by spec.md §4.5:
// mint the request id, select an agent, park the client FIRST, then send
// Connect — so the agent can never return before the rendezvous entry
// exists. If no agent is available, or the send fails, the client is
// closed with no data written.
func (l *ServiceListener) handleClient(client net.Conn) {
	id := NewRequestID()

	agentID, ok := l.registry.Select(l.desc.Group)
	if !ok {
		l.log.WLogf("no live agent for group %q, closing client from %s", l.desc.Group, client.RemoteAddr())
		client.Close()
		return
	}

	session, ok := l.registry.Get(agentID)
	if !ok {
		// Agent died between Select and Get; treat exactly as "no agent available".
		client.Close()
		return
	}

	l.pending.Park(id, client, agentID)

	if err := session.EnqueueConnect(id, l.desc.DestHost, l.desc.DestPort); err != nil {
		l.log.WLogf("dispatch to agent %d failed, closing client: %s", agentID, err)
		l.pending.Unpark(id)
		client.Close()
		return
	}
}

// HandleOnceShutdown closes the listener if it hasn't already been closed
// by the shutdown-triggered goroutine in acceptLoop.
func (l *ServiceListener) HandleOnceShutdown(completionErr error) error {
	if l.listener != nil {
		l.listener.Close()
	}
	return completionErr
}
