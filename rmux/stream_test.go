package rmux

import (
	"io"
	"testing"
	"time"
)

func TestStreamOfferDataAndRead(t *testing.T) {
	s := newStream(1, nil, ConnectRequest{Proto: "tcp", Addr: "x:1"})

	if err := s.OfferData([]byte("hello ")); err != nil {
		t.Fatalf("OfferData: %v", err)
	}
	if err := s.OfferData([]byte("world")); err != nil {
		t.Fatalf("OfferData: %v", err)
	}

	buf := make([]byte, 64)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello " {
		t.Fatalf("first read = %q, want %q", buf[:n], "hello ")
	}

	n, err = s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("second read = %q, want %q", buf[:n], "world")
	}
}

func TestStreamReadBlocksUntilData(t *testing.T) {
	s := newStream(1, nil, ConnectRequest{})
	done := make(chan struct{})
	var n int
	var err error
	buf := make([]byte, 8)
	go func() {
		n, err = s.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Read returned before data was offered")
	case <-time.After(20 * time.Millisecond):
	}

	if offerErr := s.OfferData([]byte("ping")); offerErr != nil {
		t.Fatalf("OfferData: %v", offerErr)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Read did not unblock after OfferData")
	}
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("read = %q, want %q", buf[:n], "ping")
	}
}

func TestStreamReadEOFAfterClose(t *testing.T) {
	s := newStream(1, newTestSession(t, "", 1), ConnectRequest{})
	s.Close()

	buf := make([]byte, 8)
	if _, err := s.Read(buf); err != io.EOF {
		t.Fatalf("Read after close = %v, want io.EOF", err)
	}
}

func TestStreamOfferDataAfterCloseFails(t *testing.T) {
	s := newStream(1, newTestSession(t, "", 1), ConnectRequest{})
	s.Close()
	if err := s.OfferData([]byte("x")); err != io.ErrClosedPipe {
		t.Fatalf("OfferData after close = %v, want io.ErrClosedPipe", err)
	}
}

func TestStreamUpdateSendWindowSaturates(t *testing.T) {
	s := newStream(1, nil, ConnectRequest{})
	s.sendWindow = ^uint32(0) - 10
	s.UpdateSendWindow(1000)
	if got := s.SendWindow(); got != ^uint32(0) {
		t.Fatalf("SendWindow after overflowing update = %d, want max uint32", got)
	}
}

func TestStreamUpdateSendWindowAdds(t *testing.T) {
	s := newStream(1, nil, ConnectRequest{})
	s.sendWindow = 100
	s.UpdateSendWindow(50)
	if got := s.SendWindow(); got != 150 {
		t.Fatalf("SendWindow = %d, want 150", got)
	}
}

func TestStreamStats(t *testing.T) {
	s := newStream(1, nil, ConnectRequest{})
	if err := s.OfferData([]byte("abcd")); err != nil {
		t.Fatalf("OfferData: %v", err)
	}
	_, recv := s.Stats()
	if recv != 4 {
		t.Fatalf("recv stat = %d, want 4", recv)
	}
}
