package rmux

import "testing"

func TestSweepAllSessionsPingsNamedChannelSession(t *testing.T) {
	channel := "sweep-ping-test"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, channel)
		globalRegistry.mu.Unlock()
	})

	s := newTestSession(t, channel, 1001)
	globalRegistry.store(channel, s)

	sweepAllSessions()

	first := <-s.eventTx
	if first.Header.Flags != FlagPing {
		t.Fatalf("first dispatched event = %v, want PING", first.Header.Flags)
	}
	second := <-s.eventTx
	if second.Header.Flags != FlagRoutine {
		t.Fatalf("second dispatched event = %v, want ROUTINE", second.Header.Flags)
	}
}

func TestSweepAllSessionsSkipsPingForServerChannel(t *testing.T) {
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, "")
		globalRegistry.mu.Unlock()
	})

	s := newTestSession(t, "", 1002)
	globalRegistry.store("", s)

	sweepAllSessions()

	ev := <-s.eventTx
	if ev.Header.Flags != FlagRoutine {
		t.Fatalf("server-side session got %v first, want ROUTINE (no PING)", ev.Header.Flags)
	}
	select {
	case extra := <-s.eventTx:
		t.Fatalf("unexpected extra event dispatched to server session: %v", extra.Header.Flags)
	default:
	}
}

func TestSweepAllSessionsRetiresOnHeartbeatTimeout(t *testing.T) {
	channel := "sweep-timeout-test"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, channel)
		globalRegistry.retired = nil
		globalRegistry.mu.Unlock()
	})

	s := newTestSession(t, channel, 1003)
	s.state.recordPingSend()
	// Force a pingPongGap below -60 by rewinding the recorded pong well
	// past the send, the same state a silently-dead peer would leave.
	s.state.lastPongRecvUnix = s.state.lastPingSendUnix - 120
	globalRegistry.store(channel, s)

	sweepAllSessions()

	ev := <-s.eventTx
	if ev.Header.Flags != FlagShutdown {
		t.Fatalf("timed-out session got %v, want SHUTDOWN", ev.Header.Flags)
	}
	if !s.state.isRetired() {
		t.Fatalf("session not marked retired after heartbeat timeout")
	}
	if got := globalRegistry.activeCount(channel); got != 0 {
		t.Fatalf("activeCount after timeout = %d, want 0", got)
	}
}
