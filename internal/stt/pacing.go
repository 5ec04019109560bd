package stt

import "time"

const (
	emaFactor       = 0.20
	targetDutyCycle = 0.24

	minLoopDelay     = 100 * time.Millisecond
	maxLoopDelay     = 1600 * time.Millisecond
	initialLoopDelay = 200 * time.Millisecond
	errorBackoff     = 500 * time.Millisecond
)

// Pacer keeps a smoothed estimate of inference cost and derives the loop
// delay that keeps the backend busy for about a quarter of wall time.
type Pacer struct {
	emaMS float64
}

// Observe folds one inference duration into the moving average.
func (p *Pacer) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms <= 0 {
		return
	}
	if p.emaMS == 0 {
		p.emaMS = ms
		return
	}
	p.emaMS = p.emaMS*(1-emaFactor) + ms*emaFactor
}

// EMA returns the smoothed inference time in milliseconds.
func (p *Pacer) EMA() float64 { return p.emaMS }

// Delay returns the sleep before the next iteration.
func (p *Pacer) Delay() time.Duration {
	return delayFor(p.emaMS)
}

// Reset forgets all observations.
func (p *Pacer) Reset() { p.emaMS = 0 }

func delayFor(emaMS float64) time.Duration {
	if emaMS <= 0 {
		return initialLoopDelay
	}
	d := time.Duration((emaMS/targetDutyCycle - emaMS) * float64(time.Millisecond))
	if d < minLoopDelay {
		return minLoopDelay
	}
	if d > maxLoopDelay {
		return maxLoopDelay
	}
	return d
}
