package munnel

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPipe returns two ends of a real loopback TCP connection so CloseWrite
// (half-close) behaves as it does in production, unlike net.Pipe.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh
	require.NotNil(t, server)
	return client, server
}

// TestRelayHalfCloseThroughBufReaderConn reproduces the Server's real
// return-socket path: the client side of Relay is a plain net.Conn (the
// parked client socket), the other side is a bufReaderConn wrapping the
// agent's return socket, exactly as server.go's handleConn/handleReturnConn
// construct it. A client-side half-close must still propagate as a
// half-close onto the wrapped return socket, not a full close.
func TestRelayHalfCloseThroughBufReaderConn(t *testing.T) {
	clientConn, clientPeer := tcpPipe(t)
	destConn, returnSocketRaw := tcpPipe(t)
	defer clientConn.Close()
	defer destConn.Close()

	returnSocket := bufReaderConn{Conn: returnSocketRaw, r: bufio.NewReader(returnSocketRaw)}

	done := make(chan struct{})
	go func() {
		Relay(clientPeer, returnSocket)
		close(done)
	}()

	clientConn.Write([]byte("request\n"))
	clientConn.(*net.TCPConn).CloseWrite()

	// The destination side must see a clean EOF, not a connection reset,
	// and must still be able to write its response back to the client.
	gotRequest, err := io.ReadAll(destConn)
	require.NoError(t, err)
	require.Equal(t, "request\n", string(gotRequest))

	destConn.Write([]byte("response\n"))
	destConn.(*net.TCPConn).CloseWrite()

	gotResponse, err := io.ReadAll(clientConn)
	require.NoError(t, err)
	require.Equal(t, "response\n", string(gotResponse))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after both half-closes")
	}
}

func TestRelayTransparency(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a1.Close()
	defer b1.Close()

	payload1 := []byte("hello from a\n")
	payload2 := []byte("hello from b\n")

	done := make(chan struct{})
	go func() {
		Relay(a2, b2)
		close(done)
	}()

	go func() {
		a1.Write(payload1)
		a1.(*net.TCPConn).CloseWrite()
	}()
	go func() {
		b1.Write(payload2)
		b1.(*net.TCPConn).CloseWrite()
	}()

	gotAtB, err := io.ReadAll(b1)
	require.NoError(t, err)
	require.Equal(t, payload1, gotAtB)

	gotAtA, err := io.ReadAll(a1)
	require.NoError(t, err)
	require.Equal(t, payload2, gotAtA)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after both half-closes")
	}
}

func TestRelayZeroLengthStreams(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a1.Close()
	defer b1.Close()

	done := make(chan struct{})
	go func() {
		Relay(a2, b2)
		close(done)
	}()

	a1.(*net.TCPConn).CloseWrite()
	b1.(*net.TCPConn).CloseWrite()

	n, err := io.ReadAll(b1)
	require.NoError(t, err)
	require.Empty(t, n)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish on zero-length streams")
	}
}

func TestRelayErrorClosesBothSidesImmediately(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a1.Close()
	defer b1.Close()

	done := make(chan struct{})
	go func() {
		Relay(a2, b2)
		close(done)
	}()

	// Abruptly reset a1's connection instead of a clean half-close; a2's
	// next read returns an error rather than io.EOF, which must cause an
	// immediate close of both sides rather than a half-close propagation.
	tcpA1 := a1.(*net.TCPConn)
	tcpA1.SetLinger(0)
	tcpA1.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after a reset")
	}

	buf := make([]byte, 1)
	_, err := b1.Read(buf)
	require.Error(t, err, "b1's peer (b2) must be closed after an error on the other direction")
}
