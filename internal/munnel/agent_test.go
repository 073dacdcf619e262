package munnel

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialWithTimeoutSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, _ := ln.Accept()
		if c != nil {
			c.Close()
		}
	}()

	a := NewAgent(testLogger(), AgentConfig{ServerAddr: ln.Addr().String()})
	conn, err := a.dialWithTimeout("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestDialWithTimeoutPropagatesDialError(t *testing.T) {
	boom := errors.New("boom")
	a := NewAgent(testLogger(), AgentConfig{
		ServerAddr: "127.0.0.1:0",
		DialFunc: func(network, addr string) (net.Conn, error) {
			return nil, boom
		},
	})
	_, err := a.dialWithTimeout("tcp", "127.0.0.1:1")
	require.Error(t, err)
}
