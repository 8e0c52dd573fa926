package delivery

import "time"

// Backoff computes the delay before a retry. The delay doubles from Initial
// on every retry and never exceeds Max. A zero Max disables waiting.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given retry, counted from 1.
func (b Backoff) Delay(retry int) time.Duration {
	if b.Max <= 0 || b.Initial <= 0 || retry < 1 {
		return 0
	}
	d := b.Initial
	for i := 1; i < retry; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
