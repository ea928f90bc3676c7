package rmux

import (
	"encoding/binary"
	"errors"
)

// ConnectRequest is the body of a SYN event: the relay target the peer
// wants this stream proxied to.
type ConnectRequest struct {
	Proto string
	Addr  string
}

// ErrMalformedConnectRequest is returned when a SYN body cannot be
// decoded into a ConnectRequest. This is non-fatal: the caller logs and
// drops the frame, it never propagates to the transport.
var ErrMalformedConnectRequest = errors.New("rmux: malformed connect request")

// encodeConnectRequest serializes a ConnectRequest as two
// length-prefixed UTF-8 strings back to back, a minimal codec sized for
// just these two fields rather than a general-purpose serializer.
func encodeConnectRequest(req ConnectRequest) []byte {
	buf := make([]byte, 0, 10+len(req.Proto)+len(req.Addr))
	buf = appendLPString(buf, req.Proto)
	buf = appendLPString(buf, req.Addr)
	return buf
}

func decodeConnectRequest(body []byte) (ConnectRequest, error) {
	proto, rest, err := readLPString(body)
	if err != nil {
		return ConnectRequest{}, err
	}
	addr, rest, err := readLPString(rest)
	if err != nil {
		return ConnectRequest{}, err
	}
	if len(rest) != 0 {
		return ConnectRequest{}, ErrMalformedConnectRequest
	}
	return ConnectRequest{Proto: proto, Addr: addr}, nil
}

func appendLPString(buf []byte, s string) []byte {
	var lenbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenbuf[:], uint64(len(s)))
	buf = append(buf, lenbuf[:n]...)
	buf = append(buf, s...)
	return buf
}

func readLPString(body []byte) (string, []byte, error) {
	l, n := binary.Uvarint(body)
	if n <= 0 {
		return "", nil, ErrMalformedConnectRequest
	}
	body = body[n:]
	if uint64(len(body)) < l {
		return "", nil, ErrMalformedConnectRequest
	}
	return string(body[:l]), body[l:], nil
}
