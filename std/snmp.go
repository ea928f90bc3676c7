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

package std

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// SnmpLogger periodically appends one CSV row of KCP's SNMP counters to
// path, rotating the destination file by formatting path's basename as
// a time.Format pattern. extraStats, if non-nil, is called once per
// tick to contribute additional (name, value) columns beyond the KCP
// counters — a tunnel binary can pass it a closure reporting its own
// session-level counts, so one stats file carries both layers.
func SnmpLogger(path string, interval int, extraStats func() (names, values []string)) {
	if path == "" || interval == 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// split path into dirname and filename
			logdir, logfile := filepath.Split(path)
			// only format logfile
			f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			if err != nil {
				log.Println(err)
				return
			}
			w := csv.NewWriter(f)

			extraNames, extraValues := []string{}, []string{}
			if extraStats != nil {
				extraNames, extraValues = extraStats()
			}

			// write header in empty file
			if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
				header := append([]string{"Unix"}, kcp.DefaultSnmp.Header()...)
				header = append(header, extraNames...)
				if err := w.Write(header); err != nil {
					log.Println(err)
				}
			}
			row := append([]string{fmt.Sprint(time.Now().Unix())}, kcp.DefaultSnmp.ToSlice()...)
			row = append(row, extraValues...)
			if err := w.Write(row); err != nil {
				log.Println(err)
			}
			// kcp.DefaultSnmp.Reset()
			w.Flush()
			f.Close()
		}
	}
}
