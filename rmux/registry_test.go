package rmux

import "testing"

func newTestSession(t *testing.T, channel string, id uint32) *Session {
	t.Helper()
	return newSession(channel, id, nil, nil, 0)
}

func TestCreateStreamNoChannelFails(t *testing.T) {
	if _, err := CreateStream("no-such-channel", "tcp", "x:1"); err != ErrNoChannel {
		t.Fatalf("CreateStream on unknown channel = %v, want ErrNoChannel", err)
	}
}

func TestCreateStreamRoundRobinsAcrossSessions(t *testing.T) {
	channel := "rr-test"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, channel)
		globalRegistry.mu.Unlock()
	})

	a := newTestSession(t, channel, 101)
	b := newTestSession(t, channel, 102)
	globalRegistry.store(channel, a)
	globalRegistry.store(channel, b)

	seen := map[uint32]int{}
	for i := 0; i < 10; i++ {
		stream, err := CreateStream(channel, "tcp", "x:1")
		if err != nil {
			t.Fatalf("CreateStream: %v", err)
		}
		// drain the SYN this push enqueued so the bounded channel doesn't fill.
		<-stream.session.eventTx
		seen[stream.session.ID]++
	}

	if seen[a.ID] == 0 || seen[b.ID] == 0 {
		t.Fatalf("round robin did not reach both sessions: %v", seen)
	}
}

func TestRegistryStoreReusesEmptySlot(t *testing.T) {
	channel := "reuse-test"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, channel)
		globalRegistry.mu.Unlock()
	})

	a := newTestSession(t, channel, 201)
	b := newTestSession(t, channel, 202)
	globalRegistry.store(channel, a)
	globalRegistry.store(channel, b)
	globalRegistry.erase(channel, a.ID)

	if got := globalRegistry.activeCount(channel); got != 1 {
		t.Fatalf("activeCount after erase = %d, want 1", got)
	}

	c := newTestSession(t, channel, 203)
	globalRegistry.store(channel, c)

	globalRegistry.mu.Lock()
	g := globalRegistry.channels[channel]
	slotCount := len(g.sessions)
	globalRegistry.mu.Unlock()

	if slotCount != 2 {
		t.Fatalf("store after erase grew slots to %d, want reuse of the freed slot (2)", slotCount)
	}
}

func TestReportWindowUpdateMissingSessionSucceeds(t *testing.T) {
	if !ReportWindowUpdate("no-such-channel", 1, 1, 100) {
		t.Fatalf("ReportWindowUpdate on unknown channel should report success")
	}
}

func TestReportWindowUpdateDeliversToSession(t *testing.T) {
	channel := "winupdate-test"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, channel)
		globalRegistry.mu.Unlock()
	})

	s := newTestSession(t, channel, 301)
	globalRegistry.store(channel, s)

	if !ReportWindowUpdate(channel, s.ID, 7, 512) {
		t.Fatalf("ReportWindowUpdate delivery failed")
	}

	ev := <-s.eventTx
	if ev.Header.Flags != FlagWinUpdate || ev.Header.StreamID != 7 || ev.Header.Len != 512 {
		t.Fatalf("unexpected delivered event: %+v", ev)
	}
}

func TestTotalSessionsCountsAcrossChannels(t *testing.T) {
	chanA, chanB := "total-test-a", "total-test-b"
	t.Cleanup(func() {
		globalRegistry.mu.Lock()
		delete(globalRegistry.channels, chanA)
		delete(globalRegistry.channels, chanB)
		globalRegistry.mu.Unlock()
	})

	before := TotalSessions()

	a := newTestSession(t, chanA, 501)
	b := newTestSession(t, chanA, 502)
	c := newTestSession(t, chanB, 503)
	globalRegistry.store(chanA, a)
	globalRegistry.store(chanA, b)
	globalRegistry.store(chanB, c)

	if got := TotalSessions(); got != before+3 {
		t.Fatalf("TotalSessions() = %d, want %d", got, before+3)
	}

	globalRegistry.erase(chanA, a.ID)
	if got := TotalSessions(); got != before+2 {
		t.Fatalf("TotalSessions() after erase = %d, want %d", got, before+2)
	}
}

func TestDrainPendingMovesStreams(t *testing.T) {
	s := newTestSession(t, "drain-test", 401)
	s.pendingStreams = append(s.pendingStreams, newStream(5, s, ConnectRequest{}))

	table := map[uint32]*Stream{}
	s.drainPending(table)

	if _, ok := table[5]; !ok {
		t.Fatalf("drainPending did not move stream 5 into the table")
	}
	if len(s.pendingStreams) != 0 {
		t.Fatalf("pendingStreams not cleared after drain")
	}
}
