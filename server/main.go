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
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli"
	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/fbion/rsnova/channel"
	"github.com/fbion/rsnova/rmux"
	"github.com/fbion/rsnova/std"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "rmuxtun"
	myApp.Usage = "server(with rmux)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":29900",
			Usage: `kcp server listen address, eg: "IP:29900"`,
		},
		cli.StringFlag{
			Name:  "target, t",
			Value: "",
			Usage: "fallback target address used only when a ConnectRequest carries an empty addr",
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
			Value: 1024,
			Usage: "set send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 1024,
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
			Usage: "max seconds a client-initiated session may live before the routine sweep retires it, 0 to disable",
		},
		cli.IntFlag{
			Name:  "routineperiod",
			Value: 5,
			Usage: "seconds between routine sweeps",
		},
		cli.IntFlag{
			Name:  "closewait",
			Value: 0,
			Usage: "not used by the server; its stream relay closes both ends as soon as one direction ends",
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
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "logged only; the server prints no per-stream open/close lines of its own",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "to emulate a TCP connection(linux)",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.Listen = c.String("listen")
		config.Target = c.String("target")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
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
		config.Pprof = c.Bool("pprof")
		config.Quiet = c.Bool("quiet")
		config.TCP = c.Bool("tcp")

		if c.String("c") != "" {
			err := parseJSONConfig(&config, c.String("c"))
			checkError(err)
		}

		if config.RateLimit < 0 {
			log.Printf("ratelimit %d is negative, falling back to 0", config.RateLimit)
			config.RateLimit = 0
		}

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
		log.Println("listening on:", config.Listen)
		log.Println("fallback target:", config.Target)
		log.Println("encryption:", config.Crypt)
		log.Println("nodelay parameters:", config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		log.Println("sndwnd:", config.SndWnd, "rcvwnd:", config.RcvWnd)
		log.Println("compression:", !config.NoComp)
		log.Println("mtu:", config.MTU)
		log.Println("ratelimit:", config.RateLimit)
		log.Println("datashard:", config.DataShard, "parityshard:", config.ParityShard)
		log.Println("acknodelay:", config.AckNodelay)
		log.Println("dscp:", config.DSCP)
		log.Println("sockbuf:", config.SockBuf)
		log.Println("keepalive:", config.KeepAlive)
		log.Println("maxalive:", config.MaxAlive)
		log.Println("routineperiod:", config.RoutinePeriod)
		log.Println("snmplog:", config.SnmpLog)
		log.Println("snmpperiod:", config.SnmpPeriod)
		log.Println("pprof:", config.Pprof)
		log.Println("quiet:", config.Quiet)
		log.Println("tcp:", config.TCP)

		// if a fallback target is configured, wrap the "direct" dialer so
		// a ConnectRequest with an empty addr (e.g. a minimal client that
		// never learned its own destination) still resolves somewhere.
		if config.Target != "" {
			target := config.Target
			channel.Register("direct", func(proto, addr string) (io.ReadWriteCloser, error) {
				if addr == "" {
					addr = target
				}
				return net.Dial("tcp", addr)
			})
		}

		log.Println("initiating key derivation")
		key := rmux.DeriveKey(config.Key)
		block, effectiveCrypt := std.SelectBlockCrypt(config.Crypt, key)
		config.Crypt = effectiveCrypt
		log.Println("key derivation done")

		rcfg, err := std.BuildRmuxConfig(uint64(config.MaxAlive), config.RoutinePeriod)
		checkError(err)

		go std.SnmpLogger(config.SnmpLog, config.SnmpPeriod, func() ([]string, []string) {
			return []string{"ActiveSessions"}, []string{fmt.Sprint(rmux.TotalSessions())}
		})

		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rmux.StartRoutine(ctx, time.Duration(rcfg.RoutinePeriod)*time.Second)

		var sessionSeed uint32
		var wg sync.WaitGroup
		loop := func(lis *kcp.Listener) {
			defer wg.Done()
			if err := lis.SetDSCP(config.DSCP); err != nil {
				log.Println("SetDSCP:", err)
			}
			if err := lis.SetReadBuffer(config.SockBuf); err != nil {
				log.Println("SetReadBuffer:", err)
			}
			if err := lis.SetWriteBuffer(config.SockBuf); err != nil {
				log.Println("SetWriteBuffer:", err)
			}

			for {
				conn, err := lis.AcceptKCP()
				if err != nil {
					log.Printf("%+v", err)
					continue
				}
				log.Println("remote address:", conn.RemoteAddr())
				conn.SetStreamMode(true)
				conn.SetWriteDelay(false)
				conn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
				conn.SetMtu(config.MTU)
				conn.SetWindowSize(config.SndWnd, config.RcvWnd)
				conn.SetACKNoDelay(config.AckNodelay)
				conn.SetRateLimit(uint32(config.RateLimit))

				var transport net.Conn = conn
				if !config.NoComp {
					transport = std.NewCompStream(conn)
				}

				rctx, err := rmux.NewCryptoContext(config.Key)
				if err != nil {
					log.Println(err)
					transport.Close()
					continue
				}
				wctx, err := rmux.NewCryptoContext(config.Key)
				if err != nil {
					log.Println(err)
					transport.Close()
					continue
				}

				id := atomic.AddUint32(&sessionSeed, 1)
				go func(t net.Conn, id uint32) {
					log.Println("tunnel session", id, "on connection:", t.LocalAddr(), "->", t.RemoteAddr())
					// the server side always registers under the empty
					// channel name; only client-initiated sessions carry
					// a named channel.
					rmux.HandleSession("", id, t, rctx, wctx, rcfg.MaxAliveSecs)
					if cs, ok := t.(*std.CompStream); ok {
						read, written := cs.Stats()
						log.Println("tunnel session", id, "closed, plaintext bytes read:", read, "written:", written)
					} else {
						log.Println("tunnel session", id, "closed")
					}
				}(transport, id)
			}
		}

		mp, err := std.ParseMultiPort(config.Listen)
		if err != nil {
			log.Println(err)
			return err
		}

		log.Printf("listening across %d port(s) on %v", mp.Count(), mp.Host)
		for port := mp.MinPort; port <= mp.MaxPort; port++ {
			portConfig := config
			portConfig.Listen = mp.Addr(port)
			log.Printf("Listening on: %v (tcp emulation: %v)", portConfig.Listen, portConfig.TCP)
			lis, err := listen(&portConfig, block)
			checkError(err)
			wg.Add(1)
			go loop(lis)
		}

		wg.Wait()
		return nil
	}
	myApp.Run(os.Args)
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
