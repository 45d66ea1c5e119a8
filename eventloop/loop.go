package eventloop

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

var loopIDCounter atomic.Uint64

// runMode selects how long a run keeps iterating.
type runMode uint8

const (
	// runDefault iterates until nothing is alive or Stop is called.
	runDefault runMode = iota
	// runNoWait performs a single iteration without blocking in the poller.
	runNoWait
)

// Loop is a single-threaded run loop multiplexing pipes and child processes.
//
// A Loop only makes progress while the host is inside [Loop.Run] or
// [Loop.RunTimeout]. See the package documentation for the lifetime rules.
type Loop struct {
	// Poller for pipe readiness and the wake-up fd.
	poller fastPoller

	// Cached loop time, updated at the start of each iteration.
	now time.Time

	opts            *loopOptions
	metrics         *loopMetrics
	writeErrLimiter *catrate.Limiter
	handles         *registry

	// The timer and prepare hook used to bound RunTimeout.
	timer   *timerHandle
	prepare *prepareHandle

	timers     timerHeap
	closing    []*handle
	closingBuf []*handle
	pending    []func()
	pendingBuf []func()

	// Completions posted from other goroutines, guarded by ingressMu.
	ingress chunkedIngress

	// pollErr is the poller failure that ended the current run.
	pollErr error

	ingressMu sync.Mutex
	state     fastState

	wakePending atomic.Bool

	id       uint64
	timerSeq uint64
	runGen   uint64

	timeout time.Duration

	// refs is the loop's reference count: one for the host plus one per
	// stream that has not been released.
	refs int

	// activeHandles counts active, ref'd handles.
	activeHandles int

	// activeReqs counts write requests that have not completed.
	activeReqs int

	wakeFD      int
	wakeWriteFD int
	wakeBuf     [8]byte

	stopFlag        bool
	canceled        bool
	ingressClosed   bool
	hostReleased    bool
	teardownPending bool
}

// New creates a loop. The caller holds the loop's first reference and must
// eventually call [Loop.Delete].
func New(opts ...LoopOption) (*Loop, error) {
	options, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFD, wakeWriteFD, err := createWakeFd()
	if err != nil {
		return nil, fmt.Errorf("eventloop: wake-up fd: %w", err)
	}
	closeWake := func() {
		_ = closeFD(wakeFD)
		if wakeWriteFD != wakeFD {
			_ = closeFD(wakeWriteFD)
		}
	}

	l := &Loop{
		opts:            options,
		writeErrLimiter: newWriteErrorLimiter(),
		handles:         newRegistry(),
		now:             time.Now(),
		id:              loopIDCounter.Add(1),
		refs:            1,
		wakeFD:          wakeFD,
		wakeWriteFD:     wakeWriteFD,
	}
	if options.metricsEnabled {
		l.metrics = &loopMetrics{}
	}

	if err := l.poller.Init(); err != nil {
		closeWake()
		return nil, fmt.Errorf("eventloop: poller: %w", err)
	}
	if err := l.poller.RegisterFD(wakeFD, EventRead, l.drainWakeUp); err != nil {
		_ = l.poller.Close()
		closeWake()
		return nil, fmt.Errorf("eventloop: poller: %w", err)
	}

	l.timer = newTimerHandle(l)
	l.prepare = newPrepareHandle(l)

	l.logEvent(logiface.LevelDebug).Log("eventloop: loop created")

	return l, nil
}

// ID returns the loop's process-unique identifier.
func (l *Loop) ID() uint64 {
	return l.id
}

// State returns the current loop state. Safe to call from any goroutine.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// RefCount returns the loop's reference count.
func (l *Loop) RefCount() int {
	return l.refs
}

// Metrics returns a snapshot of the loop's runtime statistics. Safe to call
// from any goroutine. Returns the zero value unless [WithMetrics] was set.
func (l *Loop) Metrics() Metrics {
	if l.metrics == nil {
		return Metrics{}
	}
	return l.metrics.snapshot()
}

// Alive reports whether a run would find work: an active handle, a pending
// write, a pending close, or a queued completion.
func (l *Loop) Alive() bool {
	if l.state.Load() == StateDeleted {
		return false
	}
	return l.alive()
}

// Run iterates until no handle keeps the loop alive, or until [Loop.Stop] is
// called, typically by end of stream on a source. Cancelling ctx stops the
// loop from another goroutine, in which case Run returns ctx.Err().
//
// Run returns [ErrLoopAlreadyRunning] when called re-entrantly from a
// callback.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, runDefault, 0)
}

// RunTimeout is Run bounded by timeout: zero performs a single non-blocking
// iteration, a positive timeout stops the loop once it elapses. A negative
// timeout returns [ErrNegativeTimeout].
func (l *Loop) RunTimeout(ctx context.Context, timeout time.Duration) error {
	if timeout < 0 {
		return ErrNegativeTimeout
	}
	if timeout == 0 {
		return l.run(ctx, runNoWait, 0)
	}
	return l.run(ctx, runDefault, timeout)
}

func (l *Loop) run(ctx context.Context, mode runMode, timeout time.Duration) error {
	if !l.state.TryTransition(StateIdle, StateRunning) {
		if l.state.Load() == StateDeleted {
			return ErrLoopDeleted
		}
		return ErrLoopAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		l.finishRun()
		return err
	}

	l.runGen++
	l.canceled = false
	l.pollErr = nil

	var done chan struct{}
	if ctx.Done() != nil {
		done = make(chan struct{})
		go l.watchContext(ctx, l.runGen, done)
	}

	if timeout > 0 {
		l.timeout = timeout
		l.prepare.start(l.armRunTimer)
	}

	l.iterate(mode)

	if done != nil {
		close(done)
	}
	l.runGen++
	l.prepare.disarm()
	l.timer.disarm()

	canceled, pollErr := l.canceled, l.pollErr
	l.finishRun()

	switch {
	case pollErr != nil:
		return fmt.Errorf("eventloop: poll: %w", pollErr)
	case canceled:
		return ctx.Err()
	default:
		return nil
	}
}

// watchContext stops the run identified by gen when ctx is cancelled.
func (l *Loop) watchContext(ctx context.Context, gen uint64, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		l.post(func() {
			if l.runGen == gen {
				l.canceled = true
				l.stopFlag = true
			}
		})
	case <-done:
	}
}

// armRunTimer is the prepare hook of a bounded run: it starts the one-shot
// timer that stops the loop, then disarms itself.
func (l *Loop) armRunTimer() {
	l.timer.start(l.timeout, l.Stop)
	l.prepare.disarm()
}

// finishRun leaves StateRunning, performing any teardown that was deferred
// because the last reference was dropped mid-run.
func (l *Loop) finishRun() {
	l.state.Store(StateIdle)
	if l.teardownPending {
		l.teardownPending = false
		l.teardown()
	}
}

// drainNoWait runs one non-blocking iteration, unless a run is already in
// progress. Reports whether it ran.
func (l *Loop) drainNoWait() bool {
	if !l.state.TryTransition(StateIdle, StateRunning) {
		return false
	}
	l.iterate(runNoWait)
	l.finishRun()
	return true
}

// Stop makes the current run return after the iteration in progress. Stop is
// meant to be called from callbacks; it is not safe for concurrent use.
func (l *Loop) Stop() {
	l.stopFlag = true
}

// Delete releases the host's reference. Once every stream has been released
// as well the loop is torn down: remaining handles are force-closed and the
// poller and wake-up fds are closed. Calling Delete more than once is a no-op.
func (l *Loop) Delete() {
	if l.hostReleased || l.state.Load() == StateDeleted {
		return
	}
	l.hostReleased = true
	l.unref()
}

func (l *Loop) ref() {
	l.refs++
}

func (l *Loop) unref() {
	if l.refs <= 0 {
		panic("eventloop: loop reference count underflow")
	}
	l.refs--
	if l.refs > 0 {
		return
	}
	if l.state.Load() == StateRunning {
		l.teardownPending = true
		return
	}
	l.teardown()
}

// checkOpen reports whether new streams may be created.
func (l *Loop) checkOpen() error {
	if l.hostReleased || l.state.Load() == StateDeleted {
		return ErrLoopDeleted
	}
	return nil
}

// iterate is the loop proper:
//
//	update time → timers → pending completions → prepare → poll → closing
//
// The stop flag is cleared on the way out.
func (l *Loop) iterate(mode runMode) {
	alive := l.alive()
	if !alive {
		l.updateTime()
	}
	for alive && !l.stopFlag {
		l.updateTime()
		l.runTimers()
		l.runPending()
		l.runPrepare()
		l.pollIO(l.pollTimeout(mode))
		l.runClosing()
		if l.metrics != nil {
			l.metrics.iterations.Add(1)
		}
		alive = l.alive()
		if mode == runNoWait {
			break
		}
	}
	l.stopFlag = false
}

func (l *Loop) updateTime() {
	l.now = time.Now()
}

func (l *Loop) alive() bool {
	return l.activeHandles > 0 ||
		l.activeReqs > 0 ||
		len(l.closing) != 0 ||
		len(l.pending) != 0 ||
		l.pendingIngress()
}

// pollTimeout returns how long the poll phase may block, in milliseconds,
// -1 meaning indefinitely.
func (l *Loop) pollTimeout(mode runMode) int {
	if mode == runNoWait || l.stopFlag {
		return 0
	}
	if l.activeHandles == 0 && l.activeReqs == 0 {
		return 0
	}
	if len(l.closing) != 0 || len(l.pending) != 0 || l.pendingIngress() {
		return 0
	}
	return l.timerTimeout()
}

func (l *Loop) pollIO(timeout int) {
	if _, err := l.poller.PollIO(timeout); err != nil {
		l.logEvent(logiface.LevelError).Err(err).Log("eventloop: poll failed")
		l.pollErr = err
		l.stopFlag = true
	}
}

// queuePending defers fn to the pending phase of the next iteration.
func (l *Loop) queuePending(fn func()) {
	l.pending = append(l.pending, fn)
}

// runPending is the pending phase: completions posted by other goroutines,
// then completions queued by the loop itself (write results). Anything queued
// by these callbacks runs in the next iteration.
func (l *Loop) runPending() {
	l.drainIngress()
	if len(l.pending) == 0 {
		return
	}
	pending := l.pending
	l.pending, l.pendingBuf = l.pendingBuf[:0], nil
	for i, fn := range pending {
		pending[i] = nil
		l.safeExecute(fn)
	}
	l.pendingBuf = pending[:0]
}

// safeExecute runs fn, recovering and logging a panic.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logEvent(logiface.LevelError).
				Err(PanicError{Value: r}).
				Log("eventloop: callback panicked")
		}
	}()
	fn()
}

// teardown force-closes every handle still registered, drains the loop until
// the registry is empty, then releases the poller and wake-up fds.
func (l *Loop) teardown() {
	l.state.Store(StateRunning)

	for l.handles.Len() != 0 || len(l.closing) != 0 {
		l.handles.walk(func(h *handle) {
			if h.isClosing() {
				return
			}
			if h.kind == kindPipe || h.kind == kindProcess {
				l.logEvent(logiface.LevelDebug).
					Uint64("handle", h.id).
					Str("handle_kind", h.kind.String()).
					Log("eventloop: force-closing handle")
				if l.metrics != nil {
					l.metrics.forceClosed.Add(1)
				}
			}
			h.close(nil)
		})
		l.stopFlag = false
		l.iterate(runDefault)
	}

	l.ingressMu.Lock()
	l.ingressClosed = true
	for {
		if _, ok := l.ingress.Pop(); !ok {
			break
		}
	}
	_ = l.poller.Close()
	_ = closeFD(l.wakeFD)
	if l.wakeWriteFD != l.wakeFD {
		_ = closeFD(l.wakeWriteFD)
	}
	l.ingressMu.Unlock()

	l.state.Store(StateDeleted)
	l.logEvent(logiface.LevelDebug).Log("eventloop: loop deleted")
}
