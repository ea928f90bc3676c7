package rmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fbion/rsnova/channel"
	"github.com/inconshreveable/log15"
)

// eventQueueDepth bounds the event queue feeding the event loop.
const eventQueueDepth = 16

// Session is the registry-visible handle plus the live event queue a
// running session drains. Session itself carries no stream table; that
// table is private state inside the event loop goroutine
// (processEvents) and nowhere else.
type Session struct {
	ID      uint32
	Channel string

	eventTx chan Event
	sendTx  chan []byte

	state *SessionState

	pendingMu      sync.Mutex
	pendingStreams []*Stream

	streamIDSeed  uint32 // atomic, via sync/atomic in registry.go
	maxAliveSecs  uint64
	activeStreams int32 // atomic: count of streams currently in the event loop's table

	rctx *CryptoContext
	wctx *CryptoContext

	log log15.Logger
}

// newSession builds an unregistered Session. Stream ids seeded 1 means
// this side opens odd-numbered streams, 2 means even-numbered: the
// client side carries a non-empty channel name, the server side an
// empty one, so both ends of a session can create streams
// independently without ever colliding on id.
func newSession(channel string, id uint32, rctx, wctx *CryptoContext, maxAliveSecs uint64) *Session {
	seed := uint32(2)
	if channel != "" {
		seed = 1
	}
	return &Session{
		ID:           id,
		Channel:      channel,
		eventTx:      make(chan Event, eventQueueDepth),
		sendTx:       make(chan []byte, eventQueueDepth),
		state:        newSessionState(),
		streamIDSeed: seed,
		maxAliveSecs: maxAliveSecs,
		rctx:         rctx,
		wctx:         wctx,
		log:          log15.New("channel", channel, "session", id),
	}
}

// ActiveStreams reports how many streams are currently in the event
// loop's table, for callers and tests that need to observe a stream disappearing after a FIN without tearing down the
// whole session.
func (s *Session) ActiveStreams() int32 {
	return atomic.LoadInt32(&s.activeStreams)
}

// enqueue injects a locally produced event into the session's event
// loop queue. Used by Stream.Write, Stream.Close and CreateStream.
func (s *Session) enqueue(ev Event) error {
	if s.state.isClosed() {
		return io.ErrClosedPipe
	}
	s.eventTx <- ev
	return nil
}

// HandleSession exchanges the unencrypted handshake banner, then runs
// one mux session to completion over conn: it starts the Reader, Event
// Loop and Writer goroutines, registers the session under channel,
// waits for all three to finish, then deregisters it. A single
// io.ReadWriteCloser stands in for split read/write halves, since its
// Close is enough to unblock a concurrently blocked Read.
func HandleSession(channel string, id uint32, conn io.ReadWriteCloser, rctx, wctx *CryptoContext, maxAliveSecs uint64) error {
	if err := exchangeHandshake(conn); err != nil {
		conn.Close()
		return fmt.Errorf("rmux: handshake with channel %q: %w", channel, err)
	}

	s := newSession(channel, id, rctx, wctx, maxAliveSecs)
	s.log.Info("start tunnel session", "key", rctx.Key)
	globalRegistry.store(channel, s)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.recvLoop(conn)
	}()
	go func() {
		defer wg.Done()
		s.processEvents()
	}()
	go func() {
		defer wg.Done()
		s.sendLoop(conn)
	}()

	wg.Wait()
	globalRegistry.erase(channel, id)
	s.log.Info("close tunnel session")
	return nil
}

// recvLoop is the Reader goroutine: it decodes one encrypted Event per
// wire frame and forwards it, tagged Remote, into the event queue. A
// conn.Close() from sendLoop's shutdown path is what unblocks a Read
// currently parked here.
func (s *Session) recvLoop(conn io.ReadCloser) {
	r := bufio.NewReader(conn)
	for !s.state.isClosed() {
		ev, err := s.rctx.ReadEvent(r)
		if err != nil {
			if err != io.EOF {
				s.log.Error("close remote recv since of error", "err", err)
			}
			break
		}
		s.state.recordIOActive()
		ev.Remote = true
		if ev.Header.Flags != FlagDATA {
			s.log.Info("remote recv event", "stream", ev.Header.StreamID, "type", ev.Header.Flags.String(), "len", ev.Header.Len)
		}
		s.eventTx <- *ev
	}
	s.log.Error("recv loop exiting")
	s.state.setClosed()
	s.eventTx <- newShutdownEvent()
	s.sendTx <- nil
}

// sendLoop is the Writer goroutine: it drains encrypted frames off
// sendTx, gathering frames non-blocking until their total size reaches
// vbufFlushThreshold bytes, then issues one vectored write, and closes
// conn once done to unblock recvLoop.
func (s *Session) sendLoop(conn io.Closer) {
	w, _ := conn.(io.Writer)
	batch := &sendBatch{}
	for !s.state.isClosed() {
		if batch.len() == 0 {
			data, ok := <-s.sendTx
			if !ok || len(data) == 0 {
				break
			}
			batch.push(data)
		}
		exit := false
	drain:
		for batch.bytes() < vbufFlushThreshold {
			select {
			case data, ok := <-s.sendTx:
				if !ok || len(data) == 0 {
					exit = true
					break drain
				}
				batch.push(data)
			default:
				break drain
			}
		}
		if exit {
			break
		}
		s.state.recordIOActive()
		if err := batch.flush(w); err != nil {
			s.log.Error("failed to write data", "err", err)
			break
		}
	}
	s.log.Error("send loop exiting")
	s.state.setClosed()
	conn.Close()
	s.eventTx <- newShutdownEvent()
}

// processEvents is the Event Loop goroutine: the sole owner of the
// stream table, consuming the event queue until a SHUTDOWN, a fatal
// local-event failure, or a FIN that empties the table on a retired
// session.
func (s *Session) processEvents() {
	streams := make(map[uint32]*Stream)
loop:
	for !s.state.isClosed() {
		ev, ok := <-s.eventTx
		if !ok {
			break
		}
		if ev.Header.Flags == FlagPing {
			s.handlePingEvent(ev.Remote)
		}
		if !ev.Remote {
			if !s.handleLocalEvent(streams, ev) {
				break loop
			}
			continue
		}

		switch ev.Header.Flags {
		case FlagSYN:
			if stream := s.handleSYN(ev); stream != nil {
				if _, exists := streams[stream.ID()]; !exists {
					streams[stream.ID()] = stream
					atomic.AddInt32(&s.activeStreams, 1)
				}
			}
		case FlagFIN:
			if s.handleFINEvent(streams, ev.Header.StreamID) {
				break loop
			}
		case FlagDATA:
			if st, ok := streams[ev.Header.StreamID]; ok {
				st.OfferData(ev.Body)
			} else {
				s.log.Warn("no stream found for data event", "channel", s.Channel, "stream", ev.Header.StreamID)
			}
		case FlagPing:
			if !s.sendLocal(newPongEvent(ev.Header.StreamID)) {
				break loop
			}
		case FlagPong:
			s.state.recordPongRecv()
		case FlagWinUpdate:
			if st, ok := streams[ev.Header.StreamID]; ok {
				st.UpdateSendWindow(ev.Header.Len)
			}
		default:
			s.log.Error("invalid flags", "flags", ev.Header.Flags)
		}
	}

	s.log.Error("event loop exiting")
	s.state.setClosed()
	for _, st := range streams {
		st.closeLocal()
	}
	s.sendTx <- nil
}

// handleLocalEvent dispatches an event this session generated itself
// (a Stream write, a SYN from CreateStream, the routine sweep, or an
// internal SHUTDOWN). It returns false when the event loop must stop.
func (s *Session) handleLocalEvent(streams map[uint32]*Stream, ev Event) bool {
	if ev.Header.Flags == FlagShutdown {
		return false
	}
	if ev.Header.Flags == FlagSYN {
		s.drainPending(streams)
	}
	if ev.Header.Flags == FlagFIN && s.handleFINEvent(streams, ev.Header.StreamID) {
		return false
	}
	if ev.Header.Flags == FlagRoutine {
		return !s.handleRoutineEvent(streams)
	}
	return s.sendLocal(ev)
}

// sendLocal encrypts ev and queues it for the Writer goroutine.
func (s *Session) sendLocal(ev Event) bool {
	var buf []byte
	if err := s.wctx.Encrypt(&ev, &buf); err != nil {
		s.log.Error("failed to encrypt local event", "err", err)
		return false
	}
	s.sendTx <- buf
	return true
}

func (s *Session) handlePingEvent(remote bool) {
	if !remote {
		s.state.recordPingSend()
	}
}

// handleFINEvent closes and forgets the named stream, and reports
// whether the session should now close (it is retired and has no
// streams left). The peer already knows the stream is done (it sent
// the FIN we're handling), so this uses closeLocal rather than Close
// to avoid echoing a redundant FIN back.
func (s *Session) handleFINEvent(streams map[uint32]*Stream, sid uint32) bool {
	if st, ok := streams[sid]; ok {
		st.closeLocal()
		delete(streams, sid)
		atomic.AddInt32(&s.activeStreams, -1)
	}
	if s.state.isRetired() && len(streams) == 0 {
		s.state.setClosed()
		return true
	}
	return false
}

// handleRoutineEvent logs the session's current state and decides
// whether it has gone idle long enough (or been retired with no
// streams) to close.
func (s *Session) handleRoutineEvent(streams map[uint32]*Stream) bool {
	now := nowUnix()
	idle := s.logSessionState(streams, now)
	shouldClose := (s.state.isRetired() && len(streams) == 0) || idle >= 300
	if shouldClose {
		s.log.Error("close session since no data send/recv", "idle_secs", idle, "streams", len(streams))
		s.state.setClosed()
		return true
	}
	return false
}

func (s *Session) logSessionState(streams map[uint32]*Stream, now uint32) uint32 {
	idle := s.state.ioIdleSecs(now)
	s.log.Warn("session state",
		"streams", len(streams),
		"age", s.state.age(),
		"ping_pong_gap", s.state.pingPongGap(),
		"io_idle_secs", idle,
		"retired", s.state.isRetired(),
		"closed", s.state.isClosed(),
	)
	for id, st := range streams {
		sent, recv := st.Stats()
		s.log.Debug("stream state",
			"stream", id,
			"target", st.Target().Addr,
			"send_bytes", sent,
			"recv_bytes", recv,
			"send_window", st.SendWindow(),
		)
	}
	return idle
}

// handleSYN decodes a remote SYN's ConnectRequest, builds the
// accepting-side Stream, and spawns the goroutine that relays it to
// the "direct" channel. A malformed body is logged and dropped, never
// propagated to the transport.
func (s *Session) handleSYN(ev Event) *Stream {
	req, err := decodeConnectRequest(ev.Body)
	if err != nil {
		s.log.Error("failed to parse ConnectRequest", "err", err, "len", len(ev.Body))
		return nil
	}
	sid := ev.Header.StreamID
	s.log.Info("handle conn request", "stream", sid, "proto", req.Proto, "addr", req.Addr)
	stream := newStream(sid, s, req)
	go s.serveStream(stream)
	return stream
}

// serveStream dials the stream's target through the "direct" channel
// and relays bytes both ways until either side closes.
func (s *Session) serveStream(stream *Stream) {
	remote, err := channel.Dial("direct", stream.Target().Proto, stream.Target().Addr)
	if err != nil {
		s.log.Error("failed to handle rmux stream", "stream", stream.ID(), "err", err)
		stream.Close()
		return
	}
	ri, wi := stream.Split()
	if err := Relay(stream.ID(), ri, wi, remote, remote); err != nil {
		s.log.Error("failed to handle rmux stream", "stream", stream.ID(), "err", err)
	}
	stream.Close()
	remote.Close()
}
