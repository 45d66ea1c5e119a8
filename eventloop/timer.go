package eventloop

import (
	"container/heap"
	"math"
	"time"
)

// timerHandle is a one-shot timer. Restarting an armed timer re-arms it.
type timerHandle struct {
	when time.Time
	cb   func()
	handle
	seq   uint64
	index int // position in the heap, -1 when not armed
}

func newTimerHandle(loop *Loop) *timerHandle {
	t := &timerHandle{index: -1}
	t.init(loop, kindTimer)
	t.stopFn = t.disarm
	return t
}

// start arms the timer to call cb once, timeout after the loop's cached time.
func (t *timerHandle) start(timeout time.Duration, cb func()) {
	if t.isClosing() {
		return
	}
	t.disarm()
	l := t.loop
	l.timerSeq++
	t.when = l.now.Add(timeout)
	t.seq = l.timerSeq
	t.cb = cb
	heap.Push(&l.timers, t)
	t.handle.start()
}

// disarm cancels the timer if armed.
func (t *timerHandle) disarm() {
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
	t.cb = nil
	t.handle.stop()
}

// timerHeap is a min-heap of timers
type timerHeap []*timerHandle

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timerHandle)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	x.index = -1
	*h = old[:n-1]
	return x
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	for len(l.timers) > 0 {
		t := l.timers[0]
		if t.when.After(l.now) {
			break
		}
		cb := t.cb
		t.disarm()
		l.safeExecute(cb)
	}
}

// timerTimeout returns the poll timeout, in milliseconds, until the next timer
// is due, or -1 if no timer is armed.
func (l *Loop) timerTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	delay := l.timers[0].when.Sub(l.now)
	if delay <= 0 {
		return 0
	}
	// Ceiling rounding, so the poll never wakes just before the deadline
	ms := delay / time.Millisecond
	if delay%time.Millisecond != 0 {
		ms++
	}
	// epoll_wait and kevent take 32-bit timeouts
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
