package eventloop

// handleKind identifies what a handle wraps.
type handleKind uint8

const (
	kindTimer handleKind = iota + 1
	kindPrepare
	kindPipe
	kindProcess
)

// String returns a human-readable representation of the kind.
func (k handleKind) String() string {
	switch k {
	case kindTimer:
		return "timer"
	case kindPrepare:
		return "prepare"
	case kindPipe:
		return "pipe"
	case kindProcess:
		return "process"
	default:
		return "unknown"
	}
}

type handleFlags uint8

const (
	flagActive handleFlags = 1 << iota
	flagRef
	flagClosing
	flagClosed
)

// handle is the common part of every OS resource bound to a loop.
//
// Lifecycle: init registers the handle; start/stop toggle whether it keeps
// the loop alive; close stops it and queues it for the closing phase, which
// runs finalize, drops it from the registry, and only then calls the close
// callback. A handle is closed at most once.
type handle struct {
	loop *Loop

	// stopFn deactivates the kind-specific work (timer disarm, read and write
	// interest, exit watching). Called once, from close.
	stopFn func()

	// finalize releases the OS resource. Called once, in the closing phase.
	finalize func()

	closeCb func()

	id    uint64
	kind  handleKind
	flags handleFlags
}

func (h *handle) init(loop *Loop, kind handleKind) {
	h.loop = loop
	h.kind = kind
	h.flags = flagRef
	loop.handles.add(h)
}

func (h *handle) isActive() bool {
	return h.flags&flagActive != 0
}

// isClosing reports whether close has been called, including after the
// close completed.
func (h *handle) isClosing() bool {
	return h.flags&(flagClosing|flagClosed) != 0
}

func (h *handle) start() {
	if h.flags&flagActive != 0 {
		return
	}
	h.flags |= flagActive
	if h.flags&flagRef != 0 {
		h.loop.activeHandles++
	}
}

func (h *handle) stop() {
	if h.flags&flagActive == 0 {
		return
	}
	h.flags &^= flagActive
	if h.flags&flagRef != 0 {
		h.loop.activeHandles--
	}
}

// unref stops h from keeping the loop alive while active.
func (h *handle) unref() {
	if h.flags&flagRef == 0 {
		return
	}
	h.flags &^= flagRef
	if h.flags&flagActive != 0 {
		h.loop.activeHandles--
	}
}

// close stops h and queues it for the closing phase. cb may be nil.
// Closing an already closing handle is a no-op.
func (h *handle) close(cb func()) {
	if h.isClosing() {
		return
	}
	h.flags |= flagClosing
	h.closeCb = cb
	if h.stopFn != nil {
		h.stopFn()
	}
	h.stop()
	h.loop.closing = append(h.loop.closing, h)
}

// runClosing is the closing phase: finalizes every handle queued by close
// and calls the close callbacks. Closes requested by those callbacks are
// handled by the next closing phase.
//
// Stream.Close also calls it directly when invoked from inside a run, so it
// must tolerate being nested in another phase, including itself.
func (l *Loop) runClosing() {
	if len(l.closing) == 0 {
		return
	}
	closing := l.closing
	l.closing, l.closingBuf = l.closingBuf[:0], nil
	for i, h := range closing {
		closing[i] = nil
		h.flags = h.flags&^flagClosing | flagClosed
		if h.finalize != nil {
			h.finalize()
		}
		l.handles.remove(h)
		if h.closeCb != nil {
			l.safeExecute(h.closeCb)
		}
	}
	l.closingBuf = closing[:0]
}
