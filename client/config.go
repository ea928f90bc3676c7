// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"encoding/json"
	"os"
)

// Config for client
type Config struct {
	LocalAddr  string `json:"localaddr"`
	RemoteAddr string `json:"remoteaddr"`
	Key        string `json:"key"`
	Crypt      string `json:"crypt"`
	Mode       string `json:"mode"`

	// Channel names the rmux session group this client's sessions join;
	// it is also the odd/even stream id seed discriminator. Target and
	// Proto are carried in every stream's ConnectRequest so the server
	// can relay to a target the client names per-connection instead of
	// one fixed address baked into the server.
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Proto   string `json:"proto"`

	Conn        int `json:"conn"`
	AutoExpire  int `json:"autoexpire"`
	ScavengeTTL int `json:"scavengettl"`

	MTU          int  `json:"mtu"`
	RateLimit    int  `json:"ratelimit"`
	SndWnd       int  `json:"sndwnd"`
	RcvWnd       int  `json:"rcvwnd"`
	DataShard    int  `json:"datashard"`
	ParityShard  int  `json:"parityshard"`
	DSCP         int  `json:"dscp"`
	NoComp       bool `json:"nocomp"`
	AckNodelay   bool `json:"acknodelay"`
	NoDelay      int  `json:"nodelay"`
	Interval     int  `json:"interval"`
	Resend       int  `json:"resend"`
	NoCongestion int  `json:"nc"`
	SockBuf      int  `json:"sockbuf"`
	KeepAlive    int  `json:"keepalive"`

	// MaxAlive bounds how long this side lets a client-initiated rmux
	// session live before the routine sweep retires it; 0 disables the
	// limit. RoutinePeriod is the sweep's tick interval in seconds.
	MaxAlive      int `json:"maxalive"`
	RoutinePeriod int `json:"routineperiod"`

	Log        string `json:"log"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Quiet      bool   `json:"quiet"`
	TCP        bool   `json:"tcp"`
	Pprof      bool   `json:"pprof"`
	CloseWait  int    `json:"closewait"`
}

func parseJSONConfig(config *Config, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
