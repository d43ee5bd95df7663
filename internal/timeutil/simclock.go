package timeutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidStep reports a non-positive or non-finite simulation step.
var ErrInvalidStep = errors.New("invalid simulation step")

// SimClock is the fixed-step simulation clock. Each Advance moves simulated
// time forward by exactly one step and yields the next tick sequence
// number, starting at 1.
type SimClock struct {
	mu      sync.Mutex
	step    float64
	seq     uint64
	elapsed float64
}

// NewSimClock returns a clock advancing step seconds per tick.
func NewSimClock(step float64) (*SimClock, error) {
	if !(step > 0) || math.IsInf(step, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStep, step)
	}
	return &SimClock{step: step}, nil
}

// Step returns the simulated seconds per tick.
func (c *SimClock) Step() float64 { return c.step }

// Advance moves the clock forward one step and returns the new tick
// sequence and the elapsed step.
func (c *SimClock) Advance() (seq uint64, dt float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	// elapsed is always seq × step.
	c.elapsed = float64(c.seq) * c.step
	return c.seq, c.step
}

// Seq returns the sequence of the last tick, 0 before the first.
func (c *SimClock) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Elapsed returns the simulated seconds since the first tick began.
func (c *SimClock) Elapsed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Pacer holds a simulation loop to wall-clock time. In free-running mode
// Wait only checks for cancellation.
type Pacer struct {
	clock    Clock
	ticker   Ticker
	interval time.Duration
	late     int
	last     time.Time
}

// NewPacer paces one tick per interval against clock. A nil clock or a
// non-positive interval makes the pacer free-running.
func NewPacer(clock Clock, interval time.Duration) *Pacer {
	p := &Pacer{clock: clock, interval: interval}
	if clock != nil && interval > 0 {
		p.ticker = clock.NewTicker(interval)
		p.last = clock.Now()
	}
	return p
}

// Wait blocks until the next tick is due or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case now := <-p.ticker.C():
		if now.Sub(p.last) > 2*p.interval {
			p.late++
		}
		p.last = now
		return nil
	}
}

// Late returns how many ticks arrived more than one interval behind
// schedule, which means the simulation cannot keep up in real time.
func (p *Pacer) Late() int { return p.late }

// Stop releases the ticker.
func (p *Pacer) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}
