package rmux

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// channelGroup holds every live session for one named channel, plus the
// round-robin cursor used to pick the next session CreateStream should
// use. Slots are sparse: store() fills the first empty (nil) slot
// before appending, so the slice only grows when every existing slot is
// occupied.
type channelGroup struct {
	sessions []*Session
	cursor   uint32 // atomic
}

// registry is the process-wide session registry: a package-level
// singleton holding every channel's live sessions and the retirement
// bucket, mirroring the package-level conventions used elsewhere in
// this codebase for shared process state.
type registry struct {
	mu       sync.Mutex
	channels map[string]*channelGroup
	retired  []*Session
}

var globalRegistry = &registry{channels: make(map[string]*channelGroup)}

// store inserts session into its channel's group, creating the group if
// absent. O(group size).
func (r *registry) store(channel string, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.channels[channel]
	if !ok {
		g = &channelGroup{}
		r.channels[channel] = g
	}
	for i, s := range g.sessions {
		if s == nil {
			g.sessions[i] = session
			return
		}
	}
	g.sessions = append(g.sessions, session)
}

// erase removes a session by id from its channel's slots, else from the
// retired bucket. Idempotent: erasing an id that isn't present is a
// no-op.
func (r *registry) erase(channel string, id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.channels[channel]; ok {
		for i, s := range g.sessions {
			if s != nil && s.ID == id {
				g.sessions[i] = nil
				return
			}
		}
	}
	for i, s := range r.retired {
		if s.ID == id {
			r.retired = append(r.retired[:i], r.retired[i+1:]...)
			return
		}
	}
}

// activeCount returns the number of non-empty slots for channel.
func (r *registry) activeCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.channels[channel]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range g.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// TotalSessions reports how many sessions are currently registered
// across every channel, process-wide. Exposed as an operational metric
// a command-line front end can fold into its own periodic stats log
// alongside the underlying transport's counters.
func TotalSessions() int {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	n := 0
	for _, g := range globalRegistry.channels {
		for _, s := range g.sessions {
			if s != nil {
				n++
			}
		}
	}
	return n
}

// ErrNoChannel is returned by CreateStream when no session is available
// for the requested channel.
var ErrNoChannel = fmt.Errorf("rmux: no channel found")

// CreateStream picks the next session in channel by strict round-robin,
// builds the SYN event and the pending Stream, registers the stream as
// pending on that session, and enqueues the SYN. The cursor wraps by
// modulo on the current length at the moment of the pick, so group
// growth/shrinkage never causes an out-of-range index.
func CreateStream(channel, proto, addr string) (*Stream, error) {
	globalRegistry.mu.Lock()
	g, ok := globalRegistry.channels[channel]
	if !ok || len(g.sessions) == 0 {
		globalRegistry.mu.Unlock()
		return nil, ErrNoChannel
	}

	n := len(g.sessions)
	var picked *Session
	for i := 0; i < n; i++ {
		idx := atomic.AddUint32(&g.cursor, 1) % uint32(n)
		if s := g.sessions[idx]; s != nil {
			picked = s
			break
		}
	}
	if picked == nil {
		globalRegistry.mu.Unlock()
		return nil, ErrNoChannel
	}

	req := ConnectRequest{Proto: proto, Addr: addr}
	streamID := atomic.AddUint32(&picked.streamIDSeed, 2) - 2
	stream := newStream(streamID, picked, req)

	picked.pendingMu.Lock()
	picked.pendingStreams = append(picked.pendingStreams, stream)
	picked.pendingMu.Unlock()
	globalRegistry.mu.Unlock()

	ev := newSYNEvent(streamID, req)
	if err := picked.enqueue(ev); err != nil {
		return nil, err
	}
	return stream, nil
}

// ReportWindowUpdate non-blockingly injects a WIN_UPDATE event into the
// target session's queue. A missing session is treated as success
// (true) rather than failure, to avoid spurious retry storms upstream;
// only a known-ready queue whose try-send then races and fails returns
// false.
func ReportWindowUpdate(channel string, sessionID, streamID uint32, window uint32) bool {
	globalRegistry.mu.Lock()
	g, ok := globalRegistry.channels[channel]
	if !ok {
		globalRegistry.mu.Unlock()
		return true
	}
	var target *Session
	for _, s := range g.sessions {
		if s != nil && s.ID == sessionID {
			target = s
			break
		}
	}
	globalRegistry.mu.Unlock()
	if target == nil {
		return true
	}

	ev := newWindowUpdateEvent(streamID, window, false)
	if len(target.eventTx) >= cap(target.eventTx) {
		// queue not ready: nothing is sent and this is not a failure
		return true
	}
	select {
	case target.eventTx <- ev:
		return true
	default:
		return false
	}
}

// drainPending moves every stream queued by CreateStream into the
// event loop's local stream table. Invoked by the event loop itself
// upon consuming the local SYN that CreateStream enqueued, guaranteeing
// the stream is present in the table before that SYN reaches the wire.
func (s *Session) drainPending(table map[uint32]*Stream) {
	s.pendingMu.Lock()
	pending := s.pendingStreams
	s.pendingStreams = nil
	s.pendingMu.Unlock()

	for _, st := range pending {
		table[st.id] = st
		atomic.AddInt32(&s.activeStreams, 1)
	}
}
