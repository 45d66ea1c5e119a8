package eventloop

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var streamIDCounter atomic.Uint64

// StreamKind distinguishes the two ways a stream is created.
type StreamKind uint8

const (
	// StreamStdio is bound to the process's own stdin and stdout.
	StreamStdio StreamKind = iota + 1
	// StreamChild is bound to a spawned child's stdin and stdout.
	StreamChild
)

// String returns a human-readable representation of the kind.
func (k StreamKind) String() string {
	switch k {
	case StreamStdio:
		return "stdio"
	case StreamChild:
		return "child"
	default:
		return "unknown"
	}
}

// Signal selects what Close sends to a child that is still running.
type Signal int

const (
	// SignalNone sends nothing; the child sees its stdin close.
	SignalNone Signal = iota
	// SignalTerminate sends SIGTERM.
	SignalTerminate
	// SignalKill sends SIGKILL.
	SignalKill
)

// String returns a human-readable representation of the signal.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalTerminate:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	default:
		return fmt.Sprintf("Signal(%d)", int(s))
	}
}

// Stream is a bidirectional byte stream: writes go to the sink, reads come
// from the source. For a child stream the sink is the child's stdin and the
// source its stdout.
//
// A Stream belongs to its loop's goroutine and is not safe for concurrent use.
type Stream struct {
	loop   *Loop
	sink   *pipeHandle
	source *pipeHandle
	child  *processHandle
	readCb func([]byte)

	// buf is the single read slot. It is only offered to the OS while no
	// chunk is being delivered.
	buf []byte

	id   uint64
	refs int
	kind StreamKind

	reading      bool
	active       bool
	closed       bool
	released     bool
	hostReleased bool
}

// newStream allocates a stream with its two pipe handles, taking a loop
// reference. The initial count of 2 covers the sink and source closes.
func (l *Loop) newStream(kind StreamKind) *Stream {
	s := &Stream{
		loop: l,
		buf:  make([]byte, l.opts.readBufferSize),
		id:   streamIDCounter.Add(1),
		kind: kind,
	}
	s.sink = newPipeHandle(l)
	s.source = newPipeHandle(l)
	s.sink.onWriteError = s.writeFailed
	l.ref()
	s.refs = 2
	return s
}

// BindStdio binds a stream to the process's stdin (the source) and stdout
// (the sink), or to the descriptors set with [WithStdio]. The descriptors are
// duplicated and switched to non-blocking mode; their original flags are
// restored when the stream closes.
//
// On failure the partially built stream is unwound and a *LaunchError with
// Op "stdio" is returned.
func (l *Loop) BindStdio() (*Stream, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	s := l.newStream(StreamStdio)

	if err := s.openStdio(); err != nil {
		s.logEvent(logiface.LevelDebug).Err(err).Log("eventloop: stdio bind failed")
		s.Close(SignalNone)
		return nil, &LaunchError{Op: "stdio", Cause: err}
	}

	// host reference
	s.refs++

	s.logEvent(logiface.LevelDebug).
		Int("stdin", l.opts.stdinFD).
		Int("stdout", l.opts.stdoutFD).
		Log("eventloop: stdio bound")

	return s, nil
}

// openStdio opens the source first, then the sink.
func (s *Stream) openStdio() error {
	for _, end := range [...]struct {
		pipe *pipeHandle
		fd   int
	}{
		{s.source, s.loop.opts.stdinFD},
		{s.sink, s.loop.opts.stdoutFD},
	} {
		fd, err := dupFD(end.fd)
		if err != nil {
			return fmt.Errorf("fd %d: %w", end.fd, err)
		}
		if err := end.pipe.open(fd, true); err != nil {
			return fmt.Errorf("fd %d: %w", end.fd, err)
		}
	}
	return nil
}

// ID returns the stream's process-unique identifier.
func (s *Stream) ID() uint64 {
	return s.id
}

// Kind reports how the stream was created.
func (s *Stream) Kind() StreamKind {
	return s.kind
}

// RefCount returns the stream's reference count: one for the host until
// Release, plus one per pipe or process close that has not completed.
func (s *Stream) RefCount() int {
	return s.refs
}

// Closed reports whether Close (or Release) has been called.
func (s *Stream) Closed() bool {
	return s.closed
}

// ReadStart starts delivering chunks read from the source to cb, replacing
// any previous callback. Chunks are at most the read buffer size long, and
// the slice is only valid until cb returns.
//
// End of stream, or a read error, stops reading and stops the loop.
func (s *Stream) ReadStart(cb func([]byte)) error {
	if cb == nil {
		return &UsageError{Message: "eventloop: read callback must not be nil"}
	}
	if s.closed {
		return ErrStreamClosed
	}
	s.readCb = cb
	if err := s.source.readStart(s.onReadable); err != nil {
		s.readCb = nil
		return fmt.Errorf("eventloop: read start: %w", err)
	}
	s.active = true
	return nil
}

// ReadStop stops reading and drops the callback.
func (s *Stream) ReadStop() {
	if !s.active {
		return
	}
	s.source.readStop()
	s.readCb = nil
	s.active = false
}

// onReadable is the source's readiness callback: at most one read(2) into
// the read slot per event.
func (s *Stream) onReadable() {
	if s.reading {
		// the slot is still lent out to a callback, no buffer to offer
		return
	}
	s.reading = true
	n, err := readFD(s.source.fd, s.buf)
	if err != nil && isTemporary(err) {
		s.reading = false
		return
	}
	if err != nil || n <= 0 {
		s.reading = false
		if err != nil {
			s.logEvent(logiface.LevelError).Int("fd", s.source.fd).Err(err).Log("eventloop: read failed")
		} else {
			s.logEvent(logiface.LevelDebug).Log("eventloop: end of stream")
		}
		s.source.readStop()
		s.loop.Stop()
		return
	}

	var start time.Time
	m := s.loop.metrics
	if m != nil {
		m.chunks.Add(1)
		m.bytesRead.Add(uint64(n))
		start = time.Now()
	}
	if cb := s.readCb; cb != nil {
		s.loop.safeExecute(func() { cb(s.buf[:n]) })
	}
	if m != nil {
		m.latency.record(time.Since(start))
	}
	s.reading = false
}

// Write queues a copy of p for the sink. Delivery is asynchronous: failures
// are logged and reported to the [WithWriteErrorHandler] hook, never
// returned. Write only fails once the stream is closed.
func (s *Stream) Write(p []byte) error {
	if s.closed {
		return ErrStreamClosed
	}
	s.sink.write(p)
	return nil
}

// writeFailed runs on the loop goroutine for every failed write request.
func (s *Stream) writeFailed(err error) {
	if m := s.loop.metrics; m != nil {
		m.writeFailed.Add(1)
	}
	if _, ok := s.loop.writeErrLimiter.Allow(s.id); ok {
		level := logiface.LevelError
		if errors.Is(err, ErrStreamClosed) {
			level = logiface.LevelDebug
		}
		s.logEvent(level).Err(err).Log("eventloop: write failed")
	}
	if fn := s.loop.opts.onWriteError; fn != nil {
		fn(s, err)
	}
}

// Close closes the stream. It is idempotent.
//
// Reading stops, and for a child that has not exited sig is sent. The sink,
// source and process handles are then closed. When called outside of a run,
// Close performs one non-blocking iteration so those closes complete before
// it returns; from inside a run only the pending closes are completed, and
// the running loop finishes the rest.
//
// If the child still has not exited, Close blocks until the OS reports its
// termination, so no zombie is left behind. See [WithReapTimeout].
func (s *Stream) Close(sig Signal) {
	if s.closed {
		return
	}
	s.closed = true

	if s.active {
		s.ReadStop()
	}

	if c := s.child; c != nil && !c.exited && sig != SignalNone {
		c.signal(sig)
	}

	s.sink.close(s.onHandleClosed)
	s.source.close(s.onHandleClosed)
	if c := s.child; c != nil && c.proc != nil {
		c.close(s.onHandleClosed)
	}

	// keep the stream alive across the drain
	s.refs++
	if !s.loop.drainNoWait() {
		s.loop.runClosing()
	}
	if s.refs == 1 {
		s.unref()
		return
	}
	s.unref()

	if c := s.child; c != nil && !c.exited {
		s.reap()
	}
}

// Release drops the host's reference, closing the stream first (without a
// signal) if needed. Calling Release more than once is a no-op.
func (s *Stream) Release() {
	if s.hostReleased || s.released {
		return
	}
	s.hostReleased = true
	s.Close(SignalNone)
	s.unref()
}

func (s *Stream) onHandleClosed() {
	s.unref()
}

func (s *Stream) unref() {
	if s.refs <= 0 {
		panic("eventloop: stream reference count underflow")
	}
	s.refs--
	if s.refs != 0 {
		return
	}
	s.released = true
	s.readCb = nil
	s.buf = nil
	s.logEvent(logiface.LevelDebug).Log("eventloop: stream released")
	s.loop.unref()
}
