package munnel

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// TestAgentSessionShutdownCancelsPending checks spec.md §8's "after killing
// any agent, the Pending Request Table contains no entry referencing that
// agent within a bounded time" (scenario 3).
func TestAgentSessionShutdownCancelsPending(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewAgentRegistry()
	pending := NewPendingRequestTable(clock)

	serverConn, agentConn := net.Pipe()
	defer agentConn.Close()

	session := NewAgentSession(testLogger(), serverConn, "G", registry, pending, clock)
	session.setState(SessionHelloReceived)
	agentID := registry.Insert(session)
	session.MarkLive()

	client, _ := net.Pipe()
	defer client.Close()
	id := NewRequestID()
	pending.Park(id, client, agentID)
	require.Equal(t, 1, pending.Len())

	require.NoError(t, session.Shutdown(nil))

	require.Equal(t, 0, pending.Len())
	_, ok := registry.Get(agentID)
	require.False(t, ok)

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(buf)
	require.Error(t, err, "parked client socket must be closed once its agent dies")
}

// TestInFlightDecrementsOnSuccessfulClaim checks that in_flight_requests
// (spec.md §3) reflects reality on the ordinary success path, not just on
// ConnectFailure: Announce+Claim must retire the counter the same way a
// reported dial failure does.
func TestInFlightDecrementsOnSuccessfulClaim(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewAgentRegistry()
	pending := NewPendingRequestTable(clock)

	serverConn, agentConn := net.Pipe()
	defer agentConn.Close()
	defer serverConn.Close()

	session := NewAgentSession(testLogger(), serverConn, "G", registry, pending, clock)
	session.setState(SessionHelloReceived)
	agentID := registry.Insert(session)
	session.MarkLive()

	// drain frames the writer loop sends so EnqueueConnect never blocks.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := agentConn.Read(buf); err != nil {
				return
			}
		}
	}()

	client, _ := net.Pipe()
	defer client.Close()
	id := NewRequestID()

	pending.Park(id, client, agentID)
	require.NoError(t, session.EnqueueConnect(id, "dest", 80))
	require.Equal(t, int64(1), session.InFlight())

	require.NoError(t, pending.Announce(id, agentID))
	_, claimedAgentID, err := pending.Claim(id)
	require.NoError(t, err)
	require.Equal(t, agentID, claimedAgentID)

	if s, ok := registry.Get(claimedAgentID); ok {
		s.decrementInFlight()
	}
	require.Equal(t, int64(0), session.InFlight())
}

func TestAgentSessionEnqueueConnectRejectsWhenNotLive(t *testing.T) {
	clock := clockwork.NewFakeClock()
	registry := NewAgentRegistry()
	pending := NewPendingRequestTable(clock)
	serverConn, agentConn := net.Pipe()
	defer serverConn.Close()
	defer agentConn.Close()

	session := NewAgentSession(testLogger(), serverConn, "G", registry, pending, clock)
	err := session.EnqueueConnect(NewRequestID(), "host", 80)
	require.Error(t, err)
}
