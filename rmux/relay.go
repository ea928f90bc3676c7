package rmux

import (
	"io"
	"sync"

	"github.com/fbion/rsnova/std"
)

// Relay pumps bytes in both directions between a local Stream half pair
// (ri, wi) and a relay target's half pair (ro, wo) until either side's
// read returns an error or EOF, then returns the local-to-target
// direction's error if it has one, else the target-to-local one.
// The two pairs are independent, rather than a single io.ReadWriteCloser
// each, since a Stream's two halves close independently (see
// Stream.Split).
func Relay(streamID uint32, ri io.Reader, wi io.Writer, ro io.Reader, wo io.Writer) error {
	var once sync.Once
	var wg sync.WaitGroup
	wg.Add(2)

	var errOut, errIn error
	stop := func() {
		if c, ok := wi.(io.Closer); ok {
			c.Close()
		}
		if c, ok := wo.(io.Closer); ok {
			c.Close()
		}
	}

	go func() {
		defer wg.Done()
		_, errOut = std.Copy(wo, ri)
		once.Do(stop)
	}()
	go func() {
		defer wg.Done()
		_, errIn = std.Copy(wi, ro)
		once.Do(stop)
	}()

	wg.Wait()
	if errOut != nil {
		return errOut
	}
	return errIn
}
