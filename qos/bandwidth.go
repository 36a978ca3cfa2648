// Package qos provides the transport's admission gates: a
// rolling-window byte-accounting bandwidth monitor and a packet-drop
// scheduler, both consulted by the send path before a packet reaches
// the concrete binding.
package qos

import (
	"container/list"
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	bytes int
}

// BandwidthMonitor tracks bytes sent (and, via ObserveReceive, received) over a
// fixed rolling window and enforces an optional limit on each counter by
// busy-waiting with a 1-second recheck. This is flow control, not
// scheduling: a blocked sender holds its goroutine until the window
// drains.
type BandwidthMonitor struct {
	window time.Duration

	mu           sync.Mutex
	sendSamples  *list.List
	totalSamples *list.List
	sendBytes    int64
	totalBytes   int64

	sendLimit  int64 // -1 means unlimited
	totalLimit int64

	now func() time.Time
}

// NewBandwidthMonitor creates a monitor with the given rolling window
// (10s is the conventional default) and byte limits; a limit of -1
// disables that gate.
func NewBandwidthMonitor(window time.Duration, sendLimit, totalLimit int64) *BandwidthMonitor {
	return &BandwidthMonitor{
		window:       window,
		sendSamples:  list.New(),
		totalSamples: list.New(),
		sendLimit:    sendLimit,
		totalLimit:   totalLimit,
		now:          time.Now,
	}
}

// SetLimits updates the send/total byte limits, e.g. from a
// settings.Store update listener.
func (b *BandwidthMonitor) SetLimits(sendLimit, totalLimit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLimit = sendLimit
	b.totalLimit = totalLimit
}

func (b *BandwidthMonitor) pruneLocked(samples *list.List, counter *int64) {
	cutoff := b.now().Add(-b.window)
	for e := samples.Front(); e != nil; {
		s := e.Value.(sample)
		if s.at.After(cutoff) {
			break
		}
		*counter -= int64(s.bytes)
		next := e.Next()
		samples.Remove(e)
		e = next
	}
}

// AwaitSend blocks, busy-waiting in 1s steps, until admitting n bytes
// would not push either the send-only or total counter over its limit,
// then records the admission against both counters.
func (b *BandwidthMonitor) AwaitSend(n int) {
	for {
		b.mu.Lock()
		b.pruneLocked(b.sendSamples, &b.sendBytes)
		b.pruneLocked(b.totalSamples, &b.totalBytes)

		sendOK := b.sendLimit < 0 || b.sendBytes+int64(n) <= b.sendLimit
		totalOK := b.totalLimit < 0 || b.totalBytes+int64(n) <= b.totalLimit
		if sendOK && totalOK {
			now := b.now()
			b.sendSamples.PushBack(sample{at: now, bytes: n})
			b.totalSamples.PushBack(sample{at: now, bytes: n})
			b.sendBytes += int64(n)
			b.totalBytes += int64(n)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		time.Sleep(1 * time.Second)
	}
}

// ObserveReceive records n received bytes against the total-only
// counter without consulting any limit: the total counter covers
// send+receive, but receiving never blocks.
func (b *BandwidthMonitor) ObserveReceive(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.totalSamples, &b.totalBytes)
	b.totalSamples.PushBack(sample{at: b.now(), bytes: n})
	b.totalBytes += int64(n)
}

// SendBytes returns the current rolling-window send-only byte count.
func (b *BandwidthMonitor) SendBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.sendSamples, &b.sendBytes)
	return b.sendBytes
}

// TotalBytes returns the current rolling-window send+receive byte count.
func (b *BandwidthMonitor) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.totalSamples, &b.totalBytes)
	return b.totalBytes
}
