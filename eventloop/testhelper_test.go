//go:build linux || darwin

package eventloop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestLoop creates a loop that is deleted when the test ends.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(loop.Delete)
	return loop
}

// testContext bounds a test's runs so a hang fails instead of blocking.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// stdioPipes stands in for the process's stdin and stdout: the loop reads
// from stdinR and writes to stdoutW, the test plays the peer on stdinW and
// stdoutR.
//
// File.Fd puts the descriptor back into blocking mode, so it is called once,
// before the loop sees the descriptor, and the result kept in stdinFD and
// stdoutFD.
type stdioPipes struct {
	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stdinFD          int
	stdoutFD         int
}

func newStdioPipes(t *testing.T) *stdioPipes {
	t.Helper()
	p := &stdioPipes{}
	var err error
	p.stdinR, p.stdinW, err = os.Pipe()
	require.NoError(t, err)
	p.stdoutR, p.stdoutW, err = os.Pipe()
	require.NoError(t, err)
	p.stdinFD, p.stdoutFD = int(p.stdinR.Fd()), int(p.stdoutW.Fd())
	t.Cleanup(func() {
		_ = p.stdinR.Close()
		_ = p.stdinW.Close()
		_ = p.stdoutR.Close()
		_ = p.stdoutW.Close()
	})
	return p
}

// option binds the loop's stdio to the pipes.
func (p *stdioPipes) option() LoopOption {
	return WithStdio(p.stdinFD, p.stdoutFD)
}

// readN collects what the loop writes until n bytes have arrived or
// the pipe is closed.
func (p *stdioPipes) readN(n int) <-chan []byte {
	ch := make(chan []byte, 1)
	go func() {
		buf := make([]byte, n)
		got, _ := io.ReadFull(p.stdoutR, buf)
		ch <- buf[:got]
	}()
	return ch
}

// chunkRecorder is a read callback that keeps copies of every chunk.
type chunkRecorder struct {
	chunks [][]byte
}

func (r *chunkRecorder) record(b []byte) {
	r.chunks = append(r.chunks, bytes.Clone(b))
}

func (r *chunkRecorder) joined() string {
	return string(bytes.Join(r.chunks, nil))
}

// requireReaped asserts that pid no longer exists, not even as a zombie.
func requireReaped(t *testing.T, pid int) {
	t.Helper()
	require.NotZero(t, pid)
	err := unix.Kill(pid, 0)
	require.Truef(t, errors.Is(err, unix.ESRCH), "pid %d still in the process table: %v", pid, err)
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestLogger returns a debug-level JSON logger writing to w.
func newTestLogger(w io.Writer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
