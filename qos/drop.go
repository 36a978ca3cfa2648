package qos

import (
	"container/heap"
	"math/rand"
	"sync"
)

// DropType selects the drop scheduler's distribution.
type DropType int

const (
	Probabilistic DropType = iota
	Deterministic
)

// strideTotalPass and strideTicketBase are the stride scheduler's fixed
// constants: total available "pass" budget and the ticket denominator
// used to convert a drop rate into ticket counts. Changing them changes
// the emitted drop pattern for a given (rate, burst) pair, so they stay
// put.
const (
	strideTotalPass  = 1.5e8
	strideTicketBase = 1e6
)

type ticket struct {
	isDrop  bool
	tickets float64
	pass    float64
}

type ticketHeap []*ticket

func (h ticketHeap) Len() int           { return len(h) }
func (h ticketHeap) Less(i, j int) bool { return h[i].pass < h[j].pass }
func (h ticketHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ticketHeap) Push(x any)        { *h = append(*h, x.(*ticket)) }
func (h *ticketHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler decides, per admission, whether a packet is dropped.
// Probabilistic draws a uniform sample per packet (plus a
// minimum-burst-length rule); Deterministic runs the stride-scheduling
// algorithm so that, over many admissions, the observed drop fraction
// converges to drop_rate with no two consecutive drops exceeding
// drop_burst.
type Scheduler struct {
	mu sync.Mutex

	dropType  DropType
	dropRate  float64
	dropBurst uint32

	burstLen uint32 // Probabilistic: length of the current active drop burst

	h ticketHeap // Deterministic: 2-entry stride scheduler
}

// NewScheduler builds a Scheduler for the given drop_rate, drop_type,
// and drop_burst.
func NewScheduler(dropType DropType, dropRate float64, dropBurst uint32) *Scheduler {
	if dropBurst == 0 {
		dropBurst = 1
	}
	s := &Scheduler{dropType: dropType, dropRate: dropRate, dropBurst: dropBurst}
	if dropType == Deterministic {
		s.resetStrideLocked()
	}
	return s
}

// Configure replaces the scheduler's parameters, e.g. from a live
// settings update.
func (s *Scheduler) Configure(dropType DropType, dropRate float64, dropBurst uint32) {
	if dropBurst == 0 {
		dropBurst = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropType = dropType
	s.dropRate = dropRate
	s.dropBurst = dropBurst
	s.burstLen = 0
	if dropType == Deterministic {
		s.resetStrideLocked()
	}
}

func (s *Scheduler) resetStrideLocked() {
	dropTickets := strideTicketBase * s.dropRate / float64(max1(s.dropBurst-1))
	sendTickets := strideTicketBase * (1 - s.dropRate)
	s.h = ticketHeap{
		{isDrop: false, tickets: sendTickets},
		{isDrop: true, tickets: dropTickets},
	}
	heap.Init(&s.h)
}

func max1(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return v
}

// Admit decides whether the next packet should be dropped. A zero (or
// negative) drop_rate never drops, skipping the scheduler entirely.
func (s *Scheduler) Admit() (drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dropRate <= 0 {
		return false
	}
	switch s.dropType {
	case Deterministic:
		return s.admitDeterministicLocked()
	default:
		return s.admitProbabilisticLocked()
	}
}

func (s *Scheduler) admitProbabilisticLocked() bool {
	if s.burstLen > 0 && s.burstLen < s.dropBurst {
		s.burstLen++
		return true
	}
	threshold := s.dropRate / float64(max1(s.dropBurst-1))
	if rand.Float64() <= threshold {
		s.burstLen = 1
		return true
	}
	s.burstLen = 0
	return false
}

func (s *Scheduler) admitDeterministicLocked() bool {
	if len(s.h) == 0 {
		s.resetStrideLocked()
	}
	top := heap.Pop(&s.h).(*ticket)
	drop := top.isDrop
	stride := strideTotalPass / top.tickets
	top.pass += stride
	heap.Push(&s.h, top)
	return drop
}
