package munnel

import (
	"io"
	"net"
	"sync"
)

// relayBufferSize bounds how much data Relay may have in flight for one
// direction at a time; it never drops bytes, it only bounds how far ahead
// a fast reader can get of a slow writer.
const relayBufferSize = 32 * 1024

// halfCloser is implemented by net.TCPConn and lets Relay propagate
// end-of-stream on one direction without tearing down the other.
type halfCloser interface {
	CloseWrite() error
}

// Relay concurrently forwards bytes a->b and b->a until both directions
// have reached end-of-stream or one has errored, then closes both sockets.
// On EOF of one direction it propagates a half-close to the peer (so, e.g.,
// an HTTP/1.0-style client that shuts its write side can still read the
// full response) and lets the other direction continue until it, too,
// ends. On any read or write error, both sockets are closed immediately.
// It returns the byte counts copied a->b and b->a respectively.
func Relay(a, b net.Conn) (aToB int64, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(b, a, make([]byte, relayBufferSize))
		aToB = n
		if err != nil {
			a.Close()
			b.Close()
			return
		}
		if hc, ok := b.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			b.Close()
		}
	}()

	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(a, b, make([]byte, relayBufferSize))
		bToA = n
		if err != nil {
			a.Close()
			b.Close()
			return
		}
		if hc, ok := a.(halfCloser); ok {
			hc.CloseWrite()
		} else {
			a.Close()
		}
	}()

	wg.Wait()
	a.Close()
	b.Close()
	return aToB, bToA
}
