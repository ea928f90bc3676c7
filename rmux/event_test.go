package rmux

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{StreamID: 42, Flags: FlagDATA, Len: 7}
	buf := make([]byte, HeaderSize)
	encodeHeader(h, buf)

	got := decodeHeader(buf)
	if got != h {
		t.Fatalf("decodeHeader(encodeHeader(h)) = %+v, want %+v", got, h)
	}
}

func TestFlagsString(t *testing.T) {
	cases := map[Flags]string{
		FlagSYN:       "SYN",
		FlagFIN:       "FIN",
		FlagDATA:      "DATA",
		FlagWinUpdate: "WIN_UPDATE",
		FlagPing:      "PING",
		FlagPong:      "PONG",
		FlagShutdown:  "SHUTDOWN",
		FlagRoutine:   "ROUTINE",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Fatalf("Flags(%d).String() = %q, want %q", f, got, want)
		}
	}
	if got := Flags(200).String(); got != "UNKNOWN(200)" {
		t.Fatalf("unknown flag stringified as %q", got)
	}
}

func TestNewPongEventIsLocal(t *testing.T) {
	ev := newPongEvent(3)
	if ev.Remote {
		t.Fatalf("newPongEvent must be local (Remote=false), since it is this side's reply headed for the wire")
	}
	if ev.Header.Flags != FlagPong || ev.Header.StreamID != 3 {
		t.Fatalf("unexpected pong event: %+v", ev)
	}
}

func TestNewWindowUpdateEventCarriesDeltaInLen(t *testing.T) {
	ev := newWindowUpdateEvent(5, 1024, false)
	if ev.Header.Len != 1024 {
		t.Fatalf("WIN_UPDATE delta = %d, want 1024", ev.Header.Len)
	}
	if len(ev.Body) != 0 {
		t.Fatalf("WIN_UPDATE body should be empty, got %d bytes", len(ev.Body))
	}
}
