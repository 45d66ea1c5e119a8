package eventloop

import (
	"sync"
)

// chunkSize is the number of completions per node in the ingress list.
const chunkSize = 64

// chunkedIngress is a chunked linked-list queue of completions posted to the
// loop from other goroutines (process watchers, context cancellation).
//
// Thread Safety: This struct is NOT thread-safe.
// The caller must hold Loop.ingressMu.
type chunkedIngress struct {
	head   *chunk
	tail   *chunk
	length int
}

// chunkPool recycles exhausted chunks.
var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk struct {
	tasks   [chunkSize]func()
	next    *chunk
	readPos int // First unread slot
	pos     int // First unused slot
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk returns an exhausted chunk to the pool, clearing any retained
// closures.
func returnChunk(c *chunk) {
	clear(c.tasks[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push adds a completion to the queue.
func (q *chunkedIngress) Push(task func()) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.tasks) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}
	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// Pop removes and returns the oldest completion.
// Returns false if the queue is empty.
func (q *chunkedIngress) Pop() (func(), bool) {
	if q.head == nil || q.length == 0 {
		return nil, false
	}
	if q.head.readPos >= q.head.pos {
		oldHead := q.head
		q.head = q.head.next
		returnChunk(oldHead)
	}
	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			returnChunk(oldHead)
		}
	}
	return task, true
}

// Length returns the queue length.
func (q *chunkedIngress) Length() int {
	return q.length
}

// post queues fn to run on the loop goroutine during the pending phase, and
// wakes the poller. Safe to call from any goroutine. Returns false, without
// queueing, once the loop has been torn down.
func (l *Loop) post(fn func()) bool {
	l.ingressMu.Lock()
	defer l.ingressMu.Unlock()
	if l.ingressClosed {
		return false
	}
	l.ingress.Push(fn)
	// written under the lock: teardown closes the wake fd under the same lock
	if l.wakePending.CompareAndSwap(false, true) {
		var one [8]byte
		one[0] = 1 // any non-zero counter value
		_, _ = writeFD(l.wakeWriteFD, one[:])
	}
	return true
}

// pendingIngress reports whether posted completions are waiting.
func (l *Loop) pendingIngress() bool {
	l.ingressMu.Lock()
	defer l.ingressMu.Unlock()
	return l.ingress.Length() != 0
}

// drainIngress runs every completion posted so far.
func (l *Loop) drainIngress() {
	for {
		l.ingressMu.Lock()
		fn, ok := l.ingress.Pop()
		l.ingressMu.Unlock()
		if !ok {
			return
		}
		l.safeExecute(fn)
	}
}

// drainWakeUp empties the wake-up fd. Registered as its poller callback.
func (l *Loop) drainWakeUp(IOEvents) {
	l.wakePending.Store(false)
	for {
		if _, err := readFD(l.wakeFD, l.wakeBuf[:]); err != nil {
			break
		}
	}
}
