package pool

import "time"

// linearBackOff даёт задержки step, 2*step, 3*step... Реализует backoff.BackOff.
type linearBackOff struct {
	step time.Duration
	n    int
}

func newLinearBackOff(step time.Duration) *linearBackOff {
	return &linearBackOff{step: step}
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }
