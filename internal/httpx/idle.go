package httpx

import (
	"io"
	"sync/atomic"
	"time"
)

// IdleReader wraps a response body with a watchdog: if no read makes
// progress within the timeout, onExpire fires (typically cancelling the
// request context) and subsequent reads fail through the cancelled body.
type IdleReader struct {
	r        io.Reader
	timer    *time.Timer
	timeout  time.Duration
	expired  atomic.Bool
	onExpire func()
}

func NewIdleReader(r io.Reader, timeout time.Duration, onExpire func()) *IdleReader {
	ir := &IdleReader{r: r, timeout: timeout, onExpire: onExpire}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.expired.Store(true)
		onExpire()
	})
	return ir
}

func (ir *IdleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// Expired reports whether the watchdog fired.
func (ir *IdleReader) Expired() bool {
	return ir.expired.Load()
}

// Stop disarms the watchdog.
func (ir *IdleReader) Stop() {
	ir.timer.Stop()
}
