//go:build linux || darwin

package eventloop

import (
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// processHandle tracks a spawned child. It is active, keeping the loop
// alive, until the child's exit has been observed.
//
// A watcher goroutine waits on the child (reaping it), records the result,
// closes done, then posts markExited to the loop. Nothing else runs off the
// loop goroutine.
type processHandle struct {
	handle

	stream *Stream
	proc   *os.Process

	// Written by the watcher before done is closed.
	state   *os.ProcessState
	waitErr error

	done chan struct{}
	argv []string

	pid        int
	exitCode   int
	termSignal syscall.Signal
	exited     bool
}

// Spawn starts argv as a child process and returns a stream whose sink is
// the child's stdin and whose source is the child's stdout. The child's
// stderr is the parent's. argv[0] is resolved using PATH.
//
// On failure the partially built stream is unwound and a *LaunchError with
// Op "spawn" is returned.
func (l *Loop) Spawn(argv []string) (*Stream, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, ErrEmptyArgv
	}

	s := l.newStream(StreamChild)
	s.child = &processHandle{
		stream:   s,
		argv:     slices.Clone(argv),
		exitCode: -1,
	}

	if err := s.spawn(); err != nil {
		s.child.exited = true
		s.logEvent(logiface.LevelDebug).Str("path", argv[0]).Err(err).Log("eventloop: spawn failed")
		s.Close(SignalNone)
		return nil, &LaunchError{Op: "spawn", Argv: s.child.argv, Cause: err}
	}

	// process close + host reference
	s.refs += 2

	if l.metrics != nil {
		l.metrics.spawned.Add(1)
	}
	s.logEvent(logiface.LevelDebug).Str("path", argv[0]).Log("eventloop: process spawned")

	return s, nil
}

// spawn creates both pipes, hands the parent ends to the stream's pipe
// handles, and starts the child. The child ends are closed in the parent on
// every path.
func (s *Stream) spawn() error {
	c := s.child

	path, err := exec.LookPath(c.argv[0])
	if err != nil {
		return err
	}

	stdinR, stdinW, err := newPipe()
	if err != nil {
		return err
	}
	childStdin := os.NewFile(uintptr(stdinR), "|0")
	defer childStdin.Close()
	if err := s.sink.open(stdinW, false); err != nil {
		return err
	}

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		return err
	}
	childStdout := os.NewFile(uintptr(stdoutW), "|1")
	defer childStdout.Close()
	if err := s.source.open(stdoutR, false); err != nil {
		return err
	}

	proc, err := os.StartProcess(path, c.argv, &os.ProcAttr{
		Files: []*os.File{childStdin, childStdout, os.Stderr},
	})
	if err != nil {
		return err
	}

	c.proc = proc
	c.pid = proc.Pid
	c.done = make(chan struct{})
	c.init(s.loop, kindProcess)
	c.start()

	go c.wait()

	return nil
}

// wait runs on the watcher goroutine.
func (c *processHandle) wait() {
	state, err := c.proc.Wait()
	c.state, c.waitErr = state, err
	close(c.done)
	c.loop.post(c.markExited)
}

// markExited records the exit on the loop goroutine, once. It does not stop
// the loop; the source's end of stream does that after the remaining output
// has been delivered.
func (c *processHandle) markExited() {
	if c.exited {
		return
	}
	c.exited = true
	if c.state != nil {
		c.exitCode = c.state.ExitCode()
		if ws, ok := c.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			c.termSignal = ws.Signal()
		}
	}
	c.handle.stop()

	l := c.loop
	if l.metrics != nil {
		l.metrics.exited.Add(1)
	}
	b := c.stream.logEvent(logiface.LevelDebug).Int("code", c.exitCode)
	if c.termSignal != 0 {
		b = b.Str("signal", c.termSignal.String())
	}
	if c.waitErr != nil {
		b = b.Err(c.waitErr)
	}
	b.Log("eventloop: process exited")
}

// signal delivers sig to the child. Errors (the child already gone) are
// only logged.
func (c *processHandle) signal(sig Signal) {
	var sys os.Signal
	switch sig {
	case SignalTerminate:
		sys = unix.SIGTERM
	case SignalKill:
		sys = unix.SIGKILL
	default:
		return
	}
	if err := c.proc.Signal(sys); err != nil {
		c.stream.logEvent(logiface.LevelDebug).Str("signal", sig.String()).Err(err).Log("eventloop: signal failed")
	}
}

// reap blocks until the watcher has reaped the child, escalating to SIGKILL
// after the configured reap timeout.
func (s *Stream) reap() {
	c := s.child
	if timeout := s.loop.opts.reapTimeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case <-c.done:
			timer.Stop()
		case <-timer.C:
			s.logEvent(logiface.LevelWarning).
				Dur("timeout", timeout).
				Log("eventloop: child still running after close, killing")
			c.signal(SignalKill)
			<-c.done
		}
	} else {
		<-c.done
	}
	c.markExited()
}

// Pid returns the child's process ID, or 0 for a stdio stream.
func (s *Stream) Pid() int {
	if s.child == nil {
		return 0
	}
	return s.child.pid
}

// Exited reports whether the child's termination has been observed. Always
// false for a stdio stream.
func (s *Stream) Exited() bool {
	return s.child != nil && s.child.exited
}

// ExitCode returns the child's exit code, or -1 if it has not exited, was
// terminated by a signal, or the stream is a stdio stream.
func (s *Stream) ExitCode() int {
	if s.child == nil || !s.child.exited {
		return -1
	}
	return s.child.exitCode
}
