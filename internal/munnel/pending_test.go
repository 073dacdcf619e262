package munnel

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestPendingParkAnnounceClaim(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)
	client, _ := net.Pipe()
	defer client.Close()

	id := NewRequestID()
	tbl.Park(id, client, 7)
	require.Equal(t, 1, tbl.Len())

	require.NoError(t, tbl.Announce(id, 7))

	got, agentID, err := tbl.Claim(id)
	require.NoError(t, err)
	require.Same(t, client, got)
	require.Equal(t, uint64(7), agentID)
	require.Equal(t, 0, tbl.Len())
}

func TestPendingClaimWithoutAnnounceFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)
	client, _ := net.Pipe()
	defer client.Close()

	id := NewRequestID()
	tbl.Park(id, client, 7)

	_, _, err := tbl.Claim(id)
	require.Error(t, err)
}

// TestPendingAnnounceByWrongAgentRejected is the soundness property from
// spec.md §3: no agent may cause another agent's pending request to be
// resolved.
func TestPendingAnnounceByWrongAgentRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)
	client, _ := net.Pipe()
	defer client.Close()

	id := NewRequestID()
	tbl.Park(id, client, 7)

	err := tbl.Announce(id, 8)
	require.Error(t, err)

	_, _, err = tbl.Claim(id)
	require.Error(t, err, "an entry announced by the wrong agent must never be claimable")
}

func TestPendingClaimUnknownRequest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)
	_, _, err := tbl.Claim(NewRequestID())
	require.Error(t, err)
}

func TestPendingCancelAllForAgentClosesSockets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)

	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	defer server1.Close()
	defer server2.Close()

	id1, id2 := NewRequestID(), NewRequestID()
	tbl.Park(id1, client1, 7)
	tbl.Park(id2, client2, 9)

	n := tbl.CancelAllForAgent(7)
	require.Equal(t, 1, n)
	require.Equal(t, 1, tbl.Len())

	buf := make([]byte, 1)
	_, err := client1.Read(buf)
	require.Error(t, err, "cancelled client socket must be closed")
}

func TestPendingCancelOne(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)
	client, _ := net.Pipe()
	defer client.Close()

	id := NewRequestID()
	tbl.Park(id, client, 7)

	require.True(t, tbl.CancelOne(id))
	require.False(t, tbl.CancelOne(id), "cancelling twice reports no-op")
}

func TestPendingTimeoutSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewPendingRequestTable(clock)

	stale, staleServer := net.Pipe()
	fresh, freshServer := net.Pipe()
	defer staleServer.Close()
	defer freshServer.Close()

	tbl.Park(NewRequestID(), stale, 1)
	clock.Advance(90 * time.Second)
	tbl.Park(NewRequestID(), fresh, 1)

	n := tbl.TimeoutSweep(60 * time.Second)
	require.Equal(t, 1, n)
	require.Equal(t, 1, tbl.Len())
}
