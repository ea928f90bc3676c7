package rmux

import (
	"encoding/binary"
	"fmt"
)

// Flags identifies the purpose of an Event: a one-byte command code
// covering every control message this tunnel needs.
type Flags uint8

const (
	FlagSYN Flags = iota
	FlagFIN
	FlagDATA
	FlagWinUpdate
	FlagPing
	FlagPong
	FlagShutdown // internal-only, never crosses the wire
	FlagRoutine  // internal-only, never crosses the wire
)

func (f Flags) String() string {
	switch f {
	case FlagSYN:
		return "SYN"
	case FlagFIN:
		return "FIN"
	case FlagDATA:
		return "DATA"
	case FlagWinUpdate:
		return "WIN_UPDATE"
	case FlagPing:
		return "PING"
	case FlagPong:
		return "PONG"
	case FlagShutdown:
		return "SHUTDOWN"
	case FlagRoutine:
		return "ROUTINE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(f))
	}
}

const (
	sizeOfStreamID = 4
	sizeOfFlags    = 1
	sizeOfLen      = 4
	// HeaderSize is the wire size of an Event header: stream_id, flags, len.
	HeaderSize = sizeOfStreamID + sizeOfFlags + sizeOfLen
)

// Header is the fixed-size prefix of every Event.
type Header struct {
	StreamID uint32
	Flags    Flags
	Len      uint32
}

// Event is the wire unit: a header plus an opaque body, tagged with the
// direction it was produced from. Remote events arrived from the Reader;
// local events were pushed in by the session's own code (stream writes,
// the routine sweep, the background sweep, control helpers).
type Event struct {
	Header Header
	Body   []byte
	Remote bool
}

func newEvent(streamID uint32, flags Flags, body []byte, remote bool) Event {
	return Event{
		Header: Header{StreamID: streamID, Flags: flags, Len: uint32(len(body))},
		Body:   body,
		Remote: remote,
	}
}

func newSYNEvent(streamID uint32, req ConnectRequest) Event {
	return newEvent(streamID, FlagSYN, encodeConnectRequest(req), false)
}

func newFINEvent(streamID uint32, remote bool) Event {
	return newEvent(streamID, FlagFIN, nil, remote)
}

func newDataEvent(streamID uint32, body []byte, remote bool) Event {
	return newEvent(streamID, FlagDATA, body, remote)
}

func newWindowUpdateEvent(streamID uint32, delta uint32, remote bool) Event {
	ev := newEvent(streamID, FlagWinUpdate, nil, remote)
	ev.Header.Len = delta
	return ev
}

func newPingEvent(remote bool) Event {
	return newEvent(0, FlagPing, nil, remote)
}

// newPongEvent builds the local reply to a received PING: remote=false
// since, like a data write, it is this side's own output headed for the
// wire, not an event that arrived from the peer.
func newPongEvent(streamID uint32) Event {
	return newEvent(streamID, FlagPong, nil, false)
}

func newRoutineEvent() Event {
	return newEvent(0, FlagRoutine, nil, false)
}

func newShutdownEvent() Event {
	return newEvent(0, FlagShutdown, nil, false)
}

// encodeHeader writes h into buf[:HeaderSize]. buf must have at least
// HeaderSize bytes of capacity.
func encodeHeader(h Header, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.StreamID)
	buf[4] = byte(h.Flags)
	binary.LittleEndian.PutUint32(buf[5:9], h.Len)
}

func decodeHeader(buf []byte) Header {
	return Header{
		StreamID: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:    Flags(buf[4]),
		Len:      binary.LittleEndian.Uint32(buf[5:9]),
	}
}
