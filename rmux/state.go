package rmux

import (
	"sync/atomic"
	"time"
)

// SessionState holds the liveness counters shared across a session's
// three goroutines (Reader, Event Loop, Writer). All fields are
// accessed via sync/atomic, which is always sequentially consistent
// for a single variable.
type SessionState struct {
	lastPingSendUnix uint32
	lastPongRecvUnix uint32
	ioActiveUnix     uint32
	bornTime         time.Time
	retired          uint32 // 0/1 as atomic bool
	closed           uint32 // 0/1 as atomic bool
}

func newSessionState() *SessionState {
	return &SessionState{bornTime: time.Now()}
}

func nowUnix() uint32 { return uint32(time.Now().Unix()) }

func (s *SessionState) recordPingSend() {
	atomic.StoreUint32(&s.lastPingSendUnix, nowUnix())
}

func (s *SessionState) recordPongRecv() {
	atomic.StoreUint32(&s.lastPongRecvUnix, nowUnix())
}

func (s *SessionState) recordIOActive() {
	atomic.StoreUint32(&s.ioActiveUnix, nowUnix())
}

// pingPongGap returns last_pong_recv - last_ping_send when both have
// been observed at least once, else 0.
func (s *SessionState) pingPongGap() int64 {
	send := atomic.LoadUint32(&s.lastPingSendUnix)
	recv := atomic.LoadUint32(&s.lastPongRecvUnix)
	if send == 0 || recv == 0 {
		return 0
	}
	return int64(recv) - int64(send)
}

// ioIdleSecs returns how long it has been since the last successful
// wire read or write, or 0 if there has never been one.
func (s *SessionState) ioIdleSecs(now uint32) uint32 {
	last := atomic.LoadUint32(&s.ioActiveUnix)
	if last == 0 {
		return 0
	}
	return now - last
}

func (s *SessionState) isRetired() bool { return atomic.LoadUint32(&s.retired) == 1 }
func (s *SessionState) isClosed() bool  { return atomic.LoadUint32(&s.closed) == 1 }

func (s *SessionState) setRetired() { atomic.StoreUint32(&s.retired, 1) }
func (s *SessionState) setClosed()  { atomic.StoreUint32(&s.closed, 1) }

func (s *SessionState) age() time.Duration { return time.Since(s.bornTime) }
