package munnel

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// TestServiceListenerNoLiveAgentsClosesClient is the boundary behavior from
// spec.md §8: a service whose group has zero live agents accepts the
// client, then immediately closes it.
func TestServiceListenerNoLiveAgentsClosesClient(t *testing.T) {
	registry := NewAgentRegistry()
	pending := NewPendingRequestTable(clockwork.NewFakeClock())
	desc := ServiceDescriptor{Name: "SVC", Group: "G", ListenAddr: "127.0.0.1:0", DestHost: "127.0.0.1", DestPort: 1}

	l := NewServiceListener(testLogger(), desc, registry, pending)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Shutdown(nil) })

	conn, err := net.Dial("tcp", l.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err, "client must be closed with no data when no agent is live")
	require.Equal(t, 0, pending.Len())
}
