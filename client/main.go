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
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"

	"github.com/fbion/rsnova/rmux"
	"github.com/fbion/rsnova/std"
)

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		// add more log flags for debugging
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "rmuxtun"
	myApp.Usage = "client(with rmux)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "localaddr,l",
			Value: ":12948",
			Usage: "local listen address",
		},
		cli.StringFlag{
			Name:  "remoteaddr, r",
			Value: "vps:29900",
			Usage: `kcp server address, eg: "IP:29900"`,
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secrect",
			Usage:  "pre-shared secret between client and server",
			EnvVar: "KCPTUN_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: "one of: " + strings.Join(std.SupportedCryptMethods(), ", "),
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "fast",
			Usage: "profiles: fast3, fast2, fast, normal, manual",
		},
		cli.StringFlag{
			Name:  "channel",
			Value: "default",
			Usage: "rmux channel name this client's sessions register under",
		},
		cli.StringFlag{
			Name:  "target",
			Value: "127.0.0.1:80",
			Usage: "the address the server should relay accepted streams to",
		},
		cli.StringFlag{
			Name:  "proto",
			Value: "tcp",
			Usage: "protocol hint carried in the connect request (tcp, unix)",
		},
		cli.IntFlag{
			Name:  "conn",
			Value: 1,
			Usage: "set num of rmux sessions (and underlying UDP connections) to the server",
		},
		cli.IntFlag{
			Name:  "mtu",
			Value: 1350,
			Usage: "set maximum transmission unit for UDP packets",
		},
		cli.IntFlag{
			Name:  "ratelimit",
			Value: 0,
			Usage: "set maximum outgoing speed (in bytes per second) for a single KCP connection, 0 to disable.",
		},
		cli.IntFlag{
			Name:  "sndwnd",
			Value: 128,
			Usage: "set send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 512,
			Usage: "set receive window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "set reed-solomon erasure coding - datashard",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "set reed-solomon erasure coding - parityshard",
		},
		cli.IntFlag{
			Name:  "dscp",
			Value: 0,
			Usage: "set DSCP(6bit)",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression",
		},
		cli.BoolFlag{
			Name:   "acknodelay",
			Usage:  "flush ack immediately when a packet is received",
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nodelay",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "interval",
			Value:  50,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "resend",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nc",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304,
			Usage: "per-socket buffer in bytes",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10,
			Usage: "logged only; rmux PINGs are sent once per routine sweep (see routineperiod)",
		},
		cli.IntFlag{
			Name:  "maxalive",
			Value: 0,
			Usage: "max seconds a session may live before the routine sweep retires it, 0 to disable",
		},
		cli.IntFlag{
			Name:  "routineperiod",
			Value: 5,
			Usage: "seconds between routine sweeps",
		},
		cli.IntFlag{
			Name:  "closewait",
			Value: 0,
			Usage: "seconds to linger after a stream relay ends before closing the local connection",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the 'stream open/close' messages",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "logged only; this client always dials plain KCP over UDP",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.LocalAddr = c.String("localaddr")
		config.RemoteAddr = c.String("remoteaddr")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.Channel = c.String("channel")
		config.Target = c.String("target")
		config.Proto = c.String("proto")
		config.Conn = c.Int("conn")
		config.MTU = c.Int("mtu")
		config.RateLimit = c.Int("ratelimit")
		config.SndWnd = c.Int("sndwnd")
		config.RcvWnd = c.Int("rcvwnd")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.DSCP = c.Int("dscp")
		config.NoComp = c.Bool("nocomp")
		config.AckNodelay = c.Bool("acknodelay")
		config.NoDelay = c.Int("nodelay")
		config.Interval = c.Int("interval")
		config.Resend = c.Int("resend")
		config.NoCongestion = c.Int("nc")
		config.SockBuf = c.Int("sockbuf")
		config.KeepAlive = c.Int("keepalive")
		config.MaxAlive = c.Int("maxalive")
		config.RoutinePeriod = c.Int("routineperiod")
		config.CloseWait = c.Int("closewait")
		config.Log = c.String("log")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")
		config.Quiet = c.Bool("quiet")
		config.TCP = c.Bool("tcp")
		config.Pprof = c.Bool("pprof")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		if config.Channel == "" {
			config.Channel = "default"
		}
		if config.Proto == "" {
			config.Proto = "tcp"
		}

		// log redirect
		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		switch config.Mode {
		case "normal":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 40, 2, 1
		case "fast":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 30, 2, 1
		case "fast2":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 20, 2, 1
		case "fast3":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 10, 2, 1
		}

		log.Println("version:", VERSION)
		var listener net.Listener
		var isUnix bool
		if _, _, err := net.SplitHostPort(config.LocalAddr); err != nil {
			isUnix = true
		}
		if isUnix {
			addr, err := net.ResolveUnixAddr("unix", config.LocalAddr)
			checkError(err)
			listener, err = net.ListenUnix("unix", addr)
			checkError(err)
		} else {
			addr, err := net.ResolveTCPAddr("tcp", config.LocalAddr)
			checkError(err)
			listener, err = net.ListenTCP("tcp", addr)
			checkError(err)
		}

		log.Println("channel:", config.Channel)
		log.Println("target:", config.Target)
		log.Println("listening on:", listener.Addr())
		log.Println("encryption:", config.Crypt)
		log.Println("nodelay parameters:", config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		log.Println("remote address:", config.RemoteAddr)
		log.Println("sndwnd:", config.SndWnd, "rcvwnd:", config.RcvWnd)
		log.Println("compression:", !config.NoComp)
		log.Println("mtu:", config.MTU)
		log.Println("ratelimit:", config.RateLimit)
		log.Println("datashard:", config.DataShard, "parityshard:", config.ParityShard)
		log.Println("acknodelay:", config.AckNodelay)
		log.Println("dscp:", config.DSCP)
		log.Println("sockbuf:", config.SockBuf)
		log.Println("keepalive:", config.KeepAlive)
		log.Println("conn:", config.Conn)
		log.Println("maxalive:", config.MaxAlive)
		log.Println("routineperiod:", config.RoutinePeriod)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)
		log.Println("quiet:", config.Quiet)
		log.Println("tcp:", config.TCP)
		log.Println("pprof:", config.Pprof)

		log.Println("initiating key derivation")
		key := rmux.DeriveKey(config.Key)
		block, effectiveCrypt := std.SelectBlockCrypt(config.Crypt, key)
		config.Crypt = effectiveCrypt
		log.Println("key derivation done")

		rcfg, err := std.BuildRmuxConfig(uint64(config.MaxAlive), config.RoutinePeriod)
		checkError(err)

		// start pprof
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		// start snmp logger
		go std.SnmpLogger(config.SnmpLog, config.SnmpPeriod, func() ([]string, []string) {
			return []string{"ActiveSessions"}, []string{fmt.Sprint(rmux.TotalSessions())}
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rmux.StartRoutine(ctx, time.Duration(rcfg.RoutinePeriod)*time.Second)

		var sessionSeed uint32
		maintainSession := func() {
			for {
				conn, err := dial(&config, block)
				if err != nil {
					log.Println("re-connecting:", err)
					time.Sleep(time.Second)
					continue
				}
				conn.SetStreamMode(true)
				conn.SetWriteDelay(false)
				conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
				conn.SetWindowSize(config.SndWnd, config.RcvWnd)
				conn.SetMtu(config.MTU)
				conn.SetACKNoDelay(config.AckNodelay)
				conn.SetRateLimit(uint32(config.RateLimit))
				if err := conn.SetDSCP(config.DSCP); err != nil {
					log.Println("SetDSCP:", err)
				}
				if err := conn.SetReadBuffer(config.SockBuf); err != nil {
					log.Println("SetReadBuffer:", err)
				}
				if err := conn.SetWriteBuffer(config.SockBuf); err != nil {
					log.Println("SetWriteBuffer:", err)
				}

				rctx, err := rmux.NewCryptoContext(config.Key)
				checkError(err)
				wctx, err := rmux.NewCryptoContext(config.Key)
				checkError(err)

				var transport net.Conn = conn
				if !config.NoComp {
					transport = std.NewCompStream(conn)
				}

				id := atomic.AddUint32(&sessionSeed, 1)
				log.Println("tunnel session", id, "on connection:", conn.LocalAddr(), "->", conn.RemoteAddr())
				rmux.HandleSession(config.Channel, id, transport, rctx, wctx, rcfg.MaxAliveSecs)
				if cs, ok := transport.(*std.CompStream); ok {
					read, written := cs.Stats()
					log.Println("tunnel session", id, "ended, plaintext bytes read:", read, "written:", written, "- reconnecting")
				} else {
					log.Println("tunnel session", id, "ended, reconnecting")
				}
			}
		}
		for i := 0; i < config.Conn; i++ {
			go maintainSession()
		}

		for {
			p1, err := listener.Accept()
			if err != nil {
				log.Fatalf("%+v", err)
			}
			go handleClient(&config, p1)
		}
	}
	myApp.Run(os.Args)
}

// handleClient requests a new rmux stream to config.Target and pipes
// the accepted local connection to it.
func handleClient(config *Config, p1 net.Conn) {
	logln := func(v ...any) {
		if !config.Quiet {
			log.Println(v...)
		}
	}

	defer p1.Close()
	stream, err := rmux.CreateStream(config.Channel, config.Proto, config.Target)
	if err != nil {
		logln("create stream:", err)
		return
	}
	defer stream.Close()

	logln("stream opened", stream.ID(), "in:", p1.RemoteAddr(), "target:", config.Target)
	defer logln("stream closed", stream.ID(), "in:", p1.RemoteAddr(), "target:", config.Target)

	errA, errB := std.Pipe(p1, stream, config.CloseWait)
	if errA != nil {
		logln("pipe:", errA)
	}
	if errB != nil {
		logln("pipe:", errB)
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
