package outbox

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff computes the delay before retry number n. Delays grow by Factor
// from Base and stop at Cap; there is no jitter so the sequence is monotonic.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Cap: 5 * time.Minute}
}

// maxSteps bounds the walk; the cap is reached long before this for any sane config.
const maxSteps = 64

// Delay returns the wait after the given number of failed attempts (>= 1).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: 0,
		Multiplier:          b.Factor,
		MaxInterval:         b.Cap,
	}
	exp.Reset()

	var d time.Duration
	for i := 0; i < attempts && i < maxSteps; i++ {
		d = exp.NextBackOff()
		if d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

// NextRetryAt is the earliest time the next attempt may run.
func (b Backoff) NextRetryAt(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
