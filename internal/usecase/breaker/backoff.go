package breaker

import "time"

// Backoff returns min(base * 2^failures, max) plus a uniform jitter in [0, jitter).
// rnd must return values in [0, 1).
func Backoff(cfg Config, failures int64, rnd func() float64) time.Duration {
	d := cfg.BaseDelay
	for i := int64(0); i < failures && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d + time.Duration(rnd()*float64(cfg.Jitter))
}
