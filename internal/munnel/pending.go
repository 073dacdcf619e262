package munnel

import (
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// PendingState is the lifecycle state of one pending request.
type PendingState int

const (
	AwaitingReturn PendingState = iota
	Paired
	Cancelled
)

type pendingEntry struct {
	clientConn        net.Conn
	dispatchedAgentID uint64
	createdAt         time.Time
	state             PendingState
	announced         bool
}

// PendingRequestTable is the Server-side rendezvous between an accepted
// client socket and the agent return socket that will eventually pair
// with it. Every entry is keyed by the request_id minted when the client
// was accepted.
type PendingRequestTable struct {
	mu      sync.Mutex
	entries map[RequestID]*pendingEntry
	clock   clockwork.Clock
}

// NewPendingRequestTable creates an empty PendingRequestTable. clock is
// used to stamp created_at and to drive TimeoutSweep; pass
// clockwork.NewRealClock() in production and a clockwork.FakeClock in
// tests.
func NewPendingRequestTable(clock clockwork.Clock) *PendingRequestTable {
	return &PendingRequestTable{
		entries: make(map[RequestID]*pendingEntry),
		clock:   clock,
	}
}

// Park records a newly accepted client socket as awaiting its return
// socket from agentID. Per spec.md §4.5, this must happen before the
// Connect message is sent to that agent, so the agent can never race
// ahead of the rendezvous entry it will need.
func (t *PendingRequestTable) Park(id RequestID, clientConn net.Conn, agentID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &pendingEntry{
		clientConn:        clientConn,
		dispatchedAgentID: agentID,
		createdAt:         t.clock.Now(),
		state:             AwaitingReturn,
	}
}

// Unpark removes an entry without closing its client socket, used when the
// Connect send failed immediately after Park (the caller closes the client
// itself with no data ever written by Munnel).
func (t *PendingRequestTable) Unpark(id RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Announce records that agentID is about to open the return data socket
// for id, in response to a ReturnAnnounce control message. It fails if no
// such pending request exists, or if it was dispatched to a different
// agent than the one announcing it — the mechanism that prevents one
// agent from resolving another agent's pending request.
func (t *PendingRequestTable) Announce(id RequestID, agentID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return trace.NotFound("no pending request %s", id)
	}
	if entry.dispatchedAgentID != agentID {
		return trace.AccessDenied("agent %d may not announce return for request %s dispatched to agent %d",
			agentID, id, entry.dispatchedAgentID)
	}
	entry.announced = true
	return nil
}

// Claim resolves the pending request for id: if it exists, was announced
// by the agent that owns it, and is still AwaitingReturn, it is removed
// and its parked client socket is returned, along with the agent_id it was
// dispatched to so the caller can retire that agent's in-flight counter.
// Otherwise it returns trace.NotFound and the caller must drop the
// returning data socket without touching any client.
func (t *PendingRequestTable) Claim(id RequestID) (net.Conn, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok || entry.state != AwaitingReturn || !entry.announced {
		return nil, 0, trace.NotFound("no awaiting, announced pending request %s", id)
	}
	entry.state = Paired
	delete(t.entries, id)
	return entry.clientConn, entry.dispatchedAgentID, nil
}

// CancelAllForAgent closes and removes every pending request dispatched to
// agentID. Called when that agent's control channel dies, so no client
// socket is left waiting forever on a return that will never come.
func (t *PendingRequestTable) CancelAllForAgent(agentID uint64) int {
	t.mu.Lock()
	var toClose []net.Conn
	for id, entry := range t.entries {
		if entry.dispatchedAgentID == agentID && entry.state == AwaitingReturn {
			entry.state = Cancelled
			toClose = append(toClose, entry.clientConn)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	for _, c := range toClose {
		c.Close()
	}
	return len(toClose)
}

// CancelOne cancels and closes a single pending request, e.g. in response
// to a ConnectFailure from the dispatched agent.
func (t *PendingRequestTable) CancelOne(id RequestID) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if ok && entry.state == AwaitingReturn {
		entry.state = Cancelled
		delete(t.entries, id)
	} else {
		ok = false
	}
	t.mu.Unlock()
	if ok {
		entry.clientConn.Close()
	}
	return ok
}

// Len reports the number of requests currently awaiting a return socket.
func (t *PendingRequestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// TimeoutSweep cancels every entry older than maxAge as of the table's
// clock. This is the hook spec.md §4.4 calls out for a future sweeper: it
// is unused unless a caller schedules it on a ticker (see Server.runSweeper).
func (t *PendingRequestTable) TimeoutSweep(maxAge time.Duration) int {
	now := t.clock.Now()
	t.mu.Lock()
	var toClose []net.Conn
	for id, entry := range t.entries {
		if entry.state == AwaitingReturn && now.Sub(entry.createdAt) > maxAge {
			entry.state = Cancelled
			toClose = append(toClose, entry.clientConn)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	for _, c := range toClose {
		c.Close()
	}
	return len(toClose)
}
