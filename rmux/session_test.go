package rmux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/fbion/rsnova/channel"
)

// startEchoListener returns a TCP listener that echoes back whatever it
// receives on every accepted connection, and a cleanup to stop it.
func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				io.Copy(c, c)
				c.Close()
			}(conn)
		}
	}()
	t.Cleanup(func() { lis.Close() })
	return lis
}

// TestSessionEndToEndRelay wires two HandleSession instances back to
// back over a net.Pipe, the way two ends of a single rmux session would
// run on either side of a real transport, and drives one stream's data
// through a "direct"-dialed echo server.
func TestSessionEndToEndRelay(t *testing.T) {
	echo := startEchoListener(t)

	channel.Register("direct", func(proto, addr string) (io.ReadWriteCloser, error) {
		return net.Dial("tcp", echo.Addr().String())
	})
	t.Cleanup(func() {
		channel.Register("direct", func(proto, addr string) (io.ReadWriteCloser, error) {
			network := proto
			if network == "" {
				network = "tcp"
			}
			return net.Dial(network, addr)
		})
	})

	clientConn, serverConn := net.Pipe()

	const secret = "end-to-end test secret"
	clientRctx, err := NewCryptoContext(secret)
	if err != nil {
		t.Fatalf("NewCryptoContext: %v", err)
	}
	clientWctx, err := NewCryptoContext(secret)
	if err != nil {
		t.Fatalf("NewCryptoContext: %v", err)
	}
	serverRctx, err := NewCryptoContext(secret)
	if err != nil {
		t.Fatalf("NewCryptoContext: %v", err)
	}
	serverWctx, err := NewCryptoContext(secret)
	if err != nil {
		t.Fatalf("NewCryptoContext: %v", err)
	}

	const testChannel = "e2e-test-channel"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, testChannel)
		globalRegistry.mu.Unlock()
	})

	clientDone := make(chan struct{})
	serverDone := make(chan struct{})
	go func() {
		HandleSession(testChannel, 1, clientConn, clientRctx, clientWctx, 0)
		close(clientDone)
	}()
	go func() {
		HandleSession("", 2, serverConn, serverRctx, serverWctx, 0)
		close(serverDone)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for globalRegistry.activeCount(testChannel) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered under %q", testChannel)
		}
		time.Sleep(time.Millisecond)
	}

	stream, err := CreateStream(testChannel, "tcp", "")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	payload := []byte("round trip through the session engine")
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("stream.Write: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(stream, buf); err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", buf, payload)
	}

	stream.Close()

	deadline = time.Now().Add(2 * time.Second)
	for {
		n := serverSideSession(t).ActiveStreams()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server session still has %d active stream(s) after client closed its stream", n)
		}
		time.Sleep(time.Millisecond)
	}

	clientConn.Close()
	serverConn.Close()

	select {
	case <-clientDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("client HandleSession did not return after conn close")
	}
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("server HandleSession did not return after conn close")
	}
}

// serverSideSession looks up the session HandleSession registered under
// the empty (server-side) channel name, id 2, as wired by
// TestSessionEndToEndRelay.
func serverSideSession(t *testing.T) *Session {
	t.Helper()
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	g, ok := globalRegistry.channels[""]
	if !ok {
		t.Fatalf("no sessions registered under the empty channel")
	}
	for _, s := range g.sessions {
		if s != nil && s.ID == 2 {
			return s
		}
	}
	t.Fatalf("server session id 2 not found")
	return nil
}
