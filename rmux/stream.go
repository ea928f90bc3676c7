package rmux

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"
)

// Stream is the per-stream, user-facing byte-stream object: a buffered
// inbound queue, an atomic send-window counter, and wakeup channels
// standing in for condition variables.
type Stream struct {
	id      uint32
	session *Session
	target  ConnectRequest

	mu      sync.Mutex
	inbound [][]byte // ordered buffers awaiting Read
	closed  bool
	dieCh   chan struct{}
	dieOnce sync.Once
	finOnce sync.Once

	readWake chan struct{}

	sendWindow  uint32 // atomic: bytes this side may still send
	totalSend   uint32 // atomic: lifetime bytes sent, for stats
	totalRecv   uint32 // atomic: lifetime bytes received, for stats
}

// initialSendWindow is the slow-start guess for a freshly opened
// stream's send window before any WIN_UPDATE has been received.
const initialSendWindow = 262144

func newStream(id uint32, session *Session, target ConnectRequest) *Stream {
	return &Stream{
		id:         id,
		session:    session,
		target:     target,
		dieCh:      make(chan struct{}),
		readWake:   make(chan struct{}, 1),
		sendWindow: initialSendWindow,
	}
}

// ID returns the stream's wire identifier.
func (s *Stream) ID() uint32 { return s.id }

// Target returns the ConnectRequest this stream was opened (or
// accepted) for.
func (s *Stream) Target() ConnectRequest { return s.target }

// OfferData hands a DATA payload, in wire order, to the stream's
// inbound buffer. This never blocks the event loop longer than the
// mutex critical section, since flow control is enforced by the
// sender's window rather than by blocking the receiver.
func (s *Stream) OfferData(b []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return io.ErrClosedPipe
	}
	s.inbound = append(s.inbound, append([]byte(nil), b...))
	s.mu.Unlock()
	atomic.AddUint32(&s.totalRecv, uint32(len(b)))
	s.wakeReader()
	return nil
}

// Read implements io.Reader, draining buffered inbound data in order.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.mu.Lock()
		if len(s.inbound) > 0 {
			n := copy(p, s.inbound[0])
			s.inbound[0] = s.inbound[0][n:]
			if len(s.inbound[0]) == 0 {
				s.inbound = s.inbound[1:]
			}
			s.mu.Unlock()
			return n, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-s.readWake:
		case <-s.dieCh:
			s.mu.Lock()
			hasData := len(s.inbound) > 0
			s.mu.Unlock()
			if !hasData {
				return 0, io.EOF
			}
		}
	}
}

// Write sends b as one or more DATA events, consuming the send window
// the peer has granted via WIN_UPDATE. It blocks (briefly, via the
// session's event queue backpressure) rather than exceeding the window.
func (s *Stream) Write(b []byte) (int, error) {
	select {
	case <-s.dieCh:
		return 0, io.ErrClosedPipe
	default:
	}
	sent := 0
	for len(b) > 0 {
		for atomic.LoadUint32(&s.sendWindow) == 0 {
			select {
			case <-s.dieCh:
				return sent, io.ErrClosedPipe
			default:
			}
			// Cooperative backoff: a real deployment would park on a
			// channel signalled by UpdateSendWindow; the session's event queue
			// already bounds how much unacknowledged data can be in
			// flight, so a short yield here is sufficient and keeps the
			// Stream type lock-free outside the mutex above.
			runtime.Gosched()
		}
		n := len(b)
		if w := atomic.LoadUint32(&s.sendWindow); n > int(w) {
			n = int(w)
		}
		chunk := b[:n]
		ev := newDataEvent(s.id, chunk, false)
		if err := s.session.enqueue(ev); err != nil {
			return sent, err
		}
		atomic.AddUint32(&s.sendWindow, 0-uint32(n)) // sendWindow -= n
		atomic.AddUint32(&s.totalSend, uint32(n))
		sent += n
		b = b[n:]
	}
	return sent, nil
}

// UpdateSendWindow adds delta to the stream's send window with
// saturating arithmetic on uint32 overflow.
func (s *Stream) UpdateSendWindow(delta uint32) {
	for {
		old := atomic.LoadUint32(&s.sendWindow)
		sum := old + delta
		if sum < old { // overflow
			sum = ^uint32(0)
		}
		if atomic.CompareAndSwapUint32(&s.sendWindow, old, sum) {
			return
		}
	}
}

// SendWindow reports the current send window, for stats logging.
func (s *Stream) SendWindow() uint32 { return atomic.LoadUint32(&s.sendWindow) }

// Stats returns lifetime send/recv byte counts, for the routine sweep's
// per-stream stat line.
func (s *Stream) Stats() (sent, recv uint32) {
	return atomic.LoadUint32(&s.totalSend), atomic.LoadUint32(&s.totalRecv)
}

// Close marks the stream dead, wakes any blocked Read/Write, and tells
// the peer via a FIN event that this side is done with the stream. Safe
// to call more than once, and safe to call after the remote end has
// already FINed (closeLocal below will have already marked the stream
// closed, so this only contributes the outbound FIN).
func (s *Stream) Close() error {
	s.finOnce.Do(func() {
		s.session.enqueue(newFINEvent(s.id, false))
	})
	s.closeLocal()
	return nil
}

// closeLocal marks the stream dead and wakes any blocked Read/Write,
// without sending a FIN. The event loop calls this directly when a
// remote FIN arrives (handleFINEvent) or when the session itself is
// tearing down, since in both cases there is either already no need to
// notify the peer, or no longer a peer to notify.
func (s *Stream) closeLocal() {
	s.dieOnce.Do(func() { close(s.dieCh) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wakeReader()
}

func (s *Stream) wakeReader() {
	select {
	case s.readWake <- struct{}{}:
	default:
	}
}

// Split returns independent read and write halves.
func (s *Stream) Split() (io.ReadCloser, io.WriteCloser) {
	return streamReadHalf{s}, streamWriteHalf{s}
}

type streamReadHalf struct{ *Stream }

func (h streamReadHalf) Close() error { return h.Stream.Close() }

type streamWriteHalf struct{ *Stream }

func (h streamWriteHalf) Close() error { return h.Stream.Close() }
