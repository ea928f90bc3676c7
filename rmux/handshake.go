package rmux

import (
	"fmt"
	"io"
)

// handshakeMagic is sent, unencrypted, by both ends of a tunnel before
// the first Event: an 8-byte fixed string plus a 1-byte version. It
// lets a listener reject obviously-foreign traffic before spending a
// decrypt attempt on it, and gives the wire format a version byte to
// bump if the Event framing ever changes incompatibly.
var handshakeMagic = [8]byte{'r', 'm', 'u', 'x', 's', 'e', 's', 's'}

const handshakeVersion byte = 1

const handshakeSize = len(handshakeMagic) + 1

func writeHandshake(w io.Writer) error {
	buf := make([]byte, handshakeSize)
	copy(buf, handshakeMagic[:])
	buf[len(handshakeMagic)] = handshakeVersion
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) error {
	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("rmux: read handshake: %w", err)
	}
	if string(buf[:len(handshakeMagic)]) != string(handshakeMagic[:]) {
		return fmt.Errorf("rmux: handshake magic mismatch")
	}
	if v := buf[len(handshakeMagic)]; v != handshakeVersion {
		return fmt.Errorf("rmux: unsupported handshake version %d", v)
	}
	return nil
}

// exchangeHandshake writes this side's banner and reads the peer's,
// concurrently: on a fully synchronous duplex transport (as in tests
// using net.Pipe) a strict write-then-read would deadlock, since
// neither end's Write can complete until the other end is in Read.
func exchangeHandshake(conn io.ReadWriter) error {
	writeErr := make(chan error, 1)
	go func() { writeErr <- writeHandshake(conn) }()

	readErr := readHandshake(conn)
	if err := <-writeErr; err != nil {
		return err
	}
	return readErr
}
