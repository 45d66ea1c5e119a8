//go:build linux || darwin

package eventloop

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// The host writes "ping" without reading, then arms a read callback and
// writes "pong". The peer only answers once it has seen both, echoing "pong"
// and hanging up, so the callback must see exactly "pong" and the run must
// end with the input.
func TestStdio_PingPong(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	peerDone := make(chan error, 1)
	go func() {
		buf := make([]byte, len("pingpong"))
		if _, err := io.ReadFull(p.stdoutR, buf); err != nil {
			peerDone <- err
			return
		}
		if string(buf) != "pingpong" {
			peerDone <- errors.New("unexpected output: " + string(buf))
			return
		}
		if _, err := p.stdinW.Write([]byte("pong")); err != nil {
			peerDone <- err
			return
		}
		peerDone <- p.stdinW.Close()
	}()

	var rec chunkRecorder
	require.NoError(t, s.Write([]byte("ping")))
	require.NoError(t, loop.RunTimeout(testContext(t), 0))
	assert.Empty(t, rec.chunks, "read was never armed")

	require.NoError(t, s.ReadStart(rec.record))
	require.NoError(t, s.Write([]byte("pong")))
	require.NoError(t, loop.Run(testContext(t)))

	require.NoError(t, <-peerDone)
	assert.Equal(t, "pong", rec.joined())
}

func TestStdio_RefCounts(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	assert.Equal(t, StreamStdio, s.Kind())
	assert.Equal(t, 3, s.RefCount(), "two pipe closes plus the host")
	assert.Equal(t, 2, loop.RefCount())
	assert.Equal(t, 0, s.Pid())
	assert.False(t, s.Exited())
	assert.Equal(t, -1, s.ExitCode())

	s.Close(SignalNone)
	assert.True(t, s.Closed())
	assert.Equal(t, 1, s.RefCount(), "closes completed by the drain")
	assert.Equal(t, 2, loop.RefCount())

	s.Release()
	assert.Equal(t, 0, s.RefCount())
	assert.Equal(t, 1, loop.RefCount())
	assert.Equal(t, 2, loop.handles.Len(), "only the timer and prepare hook remain")

	assert.NotPanics(t, s.Release, "release is idempotent")
	assert.Equal(t, 1, loop.RefCount())
}

func TestStdio_RestoresDescriptorFlags(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	flagsBefore, err := unix.FcntlInt(uintptr(p.stdinFD), unix.F_GETFL, 0)
	require.NoError(t, err)
	require.Zero(t, flagsBefore&unix.O_NONBLOCK)

	s, err := loop.BindStdio()
	require.NoError(t, err)

	flagsBound, err := unix.FcntlInt(uintptr(p.stdinFD), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flagsBound&unix.O_NONBLOCK, "the dup shares the open file description")

	s.Release()

	flagsAfter, err := unix.FcntlInt(uintptr(p.stdinFD), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.Equal(t, flagsBefore, flagsAfter)

	// the original descriptors stay open
	_, err = p.stdinW.Write([]byte("still open"))
	require.NoError(t, err)
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	require.NoError(t, s.ReadStart(func([]byte) {}))

	s.Close(SignalNone)
	refs, loopRefs, handles := s.RefCount(), loop.RefCount(), loop.handles.Len()

	s.Close(SignalKill)
	assert.Equal(t, refs, s.RefCount())
	assert.Equal(t, loopRefs, loop.RefCount())
	assert.Equal(t, handles, loop.handles.Len())

	assert.ErrorIs(t, s.Write([]byte("x")), ErrStreamClosed)
	assert.ErrorIs(t, s.ReadStart(func([]byte) {}), ErrStreamClosed)
	assert.NotPanics(t, s.ReadStop)

	s.Release()
	assert.Equal(t, 1, loop.RefCount())
}

func TestStream_ReadStartNilCallback(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	err = s.ReadStart(nil)
	assert.ErrorIs(t, err, &UsageError{})
	assert.False(t, s.active)
}

func TestStream_ReadStop(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	var rec chunkRecorder
	require.NoError(t, s.ReadStart(rec.record))
	s.ReadStop()
	assert.False(t, s.active)
	assert.False(t, loop.Alive(), "a stopped stream does not keep the loop alive")

	_, err = p.stdinW.Write([]byte("ignored"))
	require.NoError(t, err)
	require.NoError(t, loop.RunTimeout(testContext(t), 20*time.Millisecond))
	assert.Empty(t, rec.chunks)

	// the data is still there for the next reader
	require.NoError(t, s.ReadStart(rec.record))
	require.NoError(t, loop.RunTimeout(testContext(t), 20*time.Millisecond))
	assert.Equal(t, "ignored", rec.joined())
}

func TestStream_ChunksBoundedByBufferSize(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option(), WithReadBufferSize(4))

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	var rec chunkRecorder
	require.NoError(t, s.ReadStart(rec.record))

	payload := []byte("the quick brown fox jumps over the lazy dog")
	_, err = p.stdinW.Write(payload)
	require.NoError(t, err)
	require.NoError(t, p.stdinW.Close())

	require.NoError(t, loop.Run(testContext(t)))

	for _, c := range rec.chunks {
		assert.LessOrEqual(t, len(c), 4)
		assert.NotEmpty(t, c)
	}
	assert.Equal(t, string(payload), rec.joined())
}

func TestStream_NoReadWhileChunkOutstanding(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option(), WithReadBufferSize(2))

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	var rec chunkRecorder
	nested := 0
	require.NoError(t, s.ReadStart(func(b []byte) {
		rec.record(b)
		// a readiness event while the slot is lent out offers no buffer
		before := len(rec.chunks)
		s.onReadable()
		if len(rec.chunks) != before {
			nested++
		}
		loop.Stop()
	}))

	_, err = p.stdinW.Write([]byte("abcd"))
	require.NoError(t, err)
	require.NoError(t, loop.Run(testContext(t)))

	assert.Zero(t, nested)
	assert.Equal(t, "ab", rec.joined())

	// the slot was not consumed by the refused read
	s.reading = true
	s.onReadable()
	assert.Len(t, rec.chunks, 1)
	s.reading = false
	require.NoError(t, loop.Run(testContext(t)))
	assert.Equal(t, "abcd", rec.joined())
}

func TestStream_EndOfStreamStopsLoop(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	calls := 0
	require.NoError(t, s.ReadStart(func([]byte) { calls++ }))
	require.NoError(t, p.stdinW.Close())

	require.NoError(t, loop.Run(testContext(t)))
	assert.Zero(t, calls, "end of stream is not delivered to the callback")
	assert.False(t, s.source.reading, "reading stopped at end of stream")
	assert.False(t, loop.Alive())
}

func TestStream_WriteQueueFlushesUnderBackpressure(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option(), WithMetrics(true))

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	// larger than any pipe buffer, so the first flush hits EAGAIN
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	got := p.readN(len(payload) + 3)

	require.NoError(t, s.Write(payload))
	require.NoError(t, s.Write([]byte("end")))
	assert.Equal(t, 2, loop.activeReqs)
	assert.True(t, loop.Alive(), "pending writes keep the loop alive")

	require.NoError(t, loop.Run(testContext(t)))
	assert.Equal(t, 0, loop.activeReqs)

	// closing the write end lets the reader finish
	s.Close(SignalNone)
	require.NoError(t, p.stdoutW.Close())

	out := <-got
	require.Len(t, out, len(payload)+3)
	assert.True(t, bytes.Equal(payload, out[:len(payload)]))
	assert.Equal(t, "end", string(out[len(payload):]))
	assert.Equal(t, uint64(len(payload)+3), loop.Metrics().BytesWritten)
}

func TestStream_WriteCopiesCallerBuffer(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option())

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	got := p.readN(3)
	buf := []byte("abc")
	require.NoError(t, s.Write(buf))
	copy(buf, "xyz")
	require.NoError(t, loop.Run(testContext(t)))
	assert.Equal(t, "abc", string(<-got))
}

func TestStream_WriteFailureReported(t *testing.T) {
	p := newStdioPipes(t)

	var (
		failedStream *Stream
		failures     []error
		logs         syncBuffer
	)
	loop := newTestLoop(t,
		p.option(),
		WithMetrics(true),
		WithLogger(newTestLogger(&logs)),
		WithWriteErrorHandler(func(s *Stream, err error) {
			failedStream = s
			failures = append(failures, err)
		}),
	)

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	// no reader left: writes fail with EPIPE
	require.NoError(t, p.stdoutR.Close())

	require.NoError(t, s.Write([]byte("lost")), "write failures are asynchronous")
	require.NoError(t, loop.RunTimeout(testContext(t), 0))

	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], unix.EPIPE)
	assert.Same(t, s, failedStream)
	assert.Equal(t, uint64(1), loop.Metrics().WriteFailures)
	assert.Contains(t, logs.String(), `"msg":"eventloop: write failed"`)
	assert.False(t, loop.Alive(), "the failed request no longer keeps the loop alive")
}

func TestStream_CloseCancelsQueuedWrites(t *testing.T) {
	p := newStdioPipes(t)

	var failures []error
	loop := newTestLoop(t, p.option(), WithWriteErrorHandler(func(_ *Stream, err error) {
		failures = append(failures, err)
	}))

	s, err := loop.BindStdio()
	require.NoError(t, err)

	// nobody reads, so most of this stays queued
	require.NoError(t, s.Write(bytes.Repeat([]byte{'x'}, 1<<20)))
	require.NoError(t, s.Write([]byte("queued")))
	require.Equal(t, 2, s.sink.writes.Length())

	s.Release()

	require.Len(t, failures, 2)
	for _, err := range failures {
		assert.ErrorIs(t, err, ErrStreamClosed)
	}
	assert.Equal(t, 0, loop.activeReqs)
	assert.Equal(t, 1, loop.RefCount())
}

func TestStream_CallbackPanicDoesNotBreakLoop(t *testing.T) {
	p := newStdioPipes(t)
	loop := newTestLoop(t, p.option(), WithReadBufferSize(1))

	s, err := loop.BindStdio()
	require.NoError(t, err)
	defer s.Release()

	calls := 0
	require.NoError(t, s.ReadStart(func([]byte) {
		calls++
		panic("callback bug")
	}))

	_, err = p.stdinW.Write([]byte("ab"))
	require.NoError(t, err)
	require.NoError(t, p.stdinW.Close())
	require.NoError(t, loop.Run(testContext(t)))

	assert.Equal(t, 2, calls)
	assert.False(t, s.reading)
}
