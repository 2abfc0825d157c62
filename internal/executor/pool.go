package executor

import (
	"sync"
	"sync/atomic"

	"github.com/wesleyorama2/volley/internal/session"
)

// SlotPool hands out worker slots. It starts with preallocated slots and
// grows lazily up to max; the number of slots in use never exceeds max.
type SlotPool struct {
	newVU func(id int) *session.VirtualUser
	max   int

	free chan *session.VirtualUser

	mu  sync.Mutex
	all []*session.VirtualUser

	active atomic.Int64
	peak   atomic.Int64
}

// NewSlotPool creates pre slots up front.
func NewSlotPool(pre, max int, newVU func(id int) *session.VirtualUser) *SlotPool {
	if max < 1 {
		max = 1
	}
	if pre > max {
		pre = max
	}
	p := &SlotPool{
		newVU: newVU,
		max:   max,
		free:  make(chan *session.VirtualUser, max),
		all:   make([]*session.VirtualUser, 0, pre),
	}
	for i := 0; i < pre; i++ {
		vu := newVU(i)
		p.all = append(p.all, vu)
		p.free <- vu
	}
	return p
}

// TryAcquire returns a free slot without blocking, allocating a new one
// while under max. It reports false when every slot is busy.
func (p *SlotPool) TryAcquire() (*session.VirtualUser, bool) {
	select {
	case vu := <-p.free:
		p.markActive()
		return vu, true
	default:
	}

	p.mu.Lock()
	if len(p.all) >= p.max {
		p.mu.Unlock()
		return nil, false
	}
	vu := p.newVU(len(p.all))
	p.all = append(p.all, vu)
	p.mu.Unlock()

	p.markActive()
	return vu, true
}

func (p *SlotPool) markActive() {
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Release returns a slot to the pool.
func (p *SlotPool) Release(vu *session.VirtualUser) {
	p.active.Add(-1)
	p.free <- vu
}

// Active is the number of slots in use.
func (p *SlotPool) Active() int {
	return int(p.active.Load())
}

// Peak is the highest number of slots in use at once.
func (p *SlotPool) Peak() int {
	return int(p.peak.Load())
}

// Allocated is the number of slots created so far.
func (p *SlotPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// Max is the slot limit.
func (p *SlotPool) Max() int {
	return p.max
}

// StopAll asks every slot to stop after its current step.
func (p *SlotPool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vu := range p.all {
		vu.RequestStop()
	}
}

// Close tears every slot down, closing its connections. Call it only once
// no session is running.
func (p *SlotPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, vu := range p.all {
		vu.Close()
	}
}
