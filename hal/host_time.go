//go:build !tinygo

package hal

import "time"

type hostTime struct {
	boot time.Time
}

func newHostTime() *hostTime {
	return &hostTime{boot: time.Now()}
}

// Micros uses the monotonic reading of time.Now, so wall clock jumps do not
// move it backwards.
func (t *hostTime) Micros() uint64 {
	return uint64(time.Since(t.boot) / time.Microsecond)
}
