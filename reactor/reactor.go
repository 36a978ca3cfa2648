// SPDX-License-Identifier: MIT
//
// Package reactor pumps a Source in a loop, rate-limited by
// read_thread_hertz. The transport runtime calls Run once per read
// thread, each in a goroutine of its own. Run does not restart a
// Source: it returns as soon as ctx is canceled or Pump returns a
// non-nil error, so a Source absorbs recoverable errors inside Pump.
package reactor

import (
	"context"
	"time"
)

// Source is one unit of read work a Reactor repeatedly pumps. Pump
// should perform a single bounded unit of work (e.g. one blocking
// transport read) and return promptly so the reactor can re-check ctx
// and the hertz limiter between calls.
type Source interface {
	Pump(ctx context.Context) error
}

// Reactor runs a goroutine per registered Source at a bounded rate.
type Reactor struct {
	hertz float64
}

// New creates a Reactor that pumps each registered Source at most hertz
// times per second. hertz <= 0 means unbounded (pump as fast as Pump
// returns).
func New(hertz float64) *Reactor {
	return &Reactor{hertz: hertz}
}

// Run registers src and pumps it until ctx is canceled or Pump returns
// a non-nil error. Run blocks; callers typically invoke it in its own
// goroutine per read thread.
func (r *Reactor) Run(ctx context.Context, src Source) error {
	var interval time.Duration
	if r.hertz > 0 {
		interval = time.Duration(float64(time.Second) / r.hertz)
	}
	var ticker *time.Ticker
	if interval > 0 {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := src.Pump(ctx); err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
