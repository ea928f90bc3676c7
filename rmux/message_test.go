package rmux

import "testing"

func TestConnectRequestRoundTrip(t *testing.T) {
	cases := []ConnectRequest{
		{Proto: "tcp", Addr: "example.com:443"},
		{Proto: "", Addr: ""},
		{Proto: "unix", Addr: "/var/run/app.sock"},
	}
	for _, req := range cases {
		body := encodeConnectRequest(req)
		got, err := decodeConnectRequest(body)
		if err != nil {
			t.Fatalf("decodeConnectRequest(%+v): %v", req, err)
		}
		if got != req {
			t.Fatalf("round trip = %+v, want %+v", got, req)
		}
	}
}

func TestDecodeConnectRequestMalformed(t *testing.T) {
	cases := [][]byte{
		nil,
		{0xff},
		append(appendLPString(nil, "tcp"), 0xff),
		append(appendLPString(appendLPString(nil, "tcp"), "host:1"), 'x'),
	}
	for i, body := range cases {
		if _, err := decodeConnectRequest(body); err == nil {
			t.Fatalf("case %d: expected error decoding %x", i, body)
		}
	}
}
