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

import "fmt"

// RmuxConfig bundles the per-process parameters a rmux session needs
// beyond the crypto secret: how long a client-initiated session may
// live before the routine sweep retires it, and the sweep's own tick
// period.
type RmuxConfig struct {
	MaxAliveSecs  uint64
	RoutinePeriod int // seconds
}

// BuildRmuxConfig constructs a RmuxConfig from CLI parameters and
// verifies it.
func BuildRmuxConfig(maxAliveSecs uint64, routinePeriodSecs int) (*RmuxConfig, error) {
	cfg := &RmuxConfig{MaxAliveSecs: maxAliveSecs, RoutinePeriod: routinePeriodSecs}
	if cfg.RoutinePeriod <= 0 {
		return nil, fmt.Errorf("rmux: routine period must be positive, got %d", cfg.RoutinePeriod)
	}
	return cfg, nil
}
