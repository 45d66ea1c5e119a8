package eventloop

import (
	"bytes"

	"github.com/eapache/queue"
)

// writeReq is a write request: a private copy of the caller's bytes and how
// much of it the OS has accepted so far.
type writeReq struct {
	buf []byte
	off int
}

// pipeHandle is one non-blocking end of a pipe.
//
// Read interest is toggled by readStart/readStop. Writes are queued FIFO and
// flushed eagerly; write interest is only registered while the queue is
// blocked on EAGAIN. The handle is active, keeping the loop alive, while it
// is reading or has queued writes.
type pipeHandle struct {
	handle

	// writes holds *writeReq, oldest first.
	writes *queue.Queue

	onReadable   func()
	onWriteError func(error)

	fd         int
	savedFlags int
	interest   IOEvents
	restore    bool
	reading    bool
}

func newPipeHandle(loop *Loop) *pipeHandle {
	p := &pipeHandle{
		writes: queue.New(),
		fd:     -1,
	}
	p.init(loop, kindPipe)
	p.stopFn = p.shutdown
	p.finalize = p.release
	return p
}

// open takes ownership of fd, even on failure, switches it to non-blocking
// mode and checks the poller can monitor it. With restore set, the original
// file status flags are put back before the fd is closed.
func (p *pipeHandle) open(fd int, restore bool) error {
	p.fd = fd
	flags, err := setNonblock(fd)
	if err != nil {
		return err
	}
	if restore {
		p.savedFlags = flags
		p.restore = true
	}
	return p.loop.poller.ProbeFD(fd)
}

func (p *pipeHandle) readStart(fn func()) error {
	p.onReadable = fn
	p.reading = true
	if err := p.updateInterest(); err != nil {
		p.onReadable = nil
		p.reading = false
		return err
	}
	return nil
}

func (p *pipeHandle) readStop() {
	p.onReadable = nil
	p.reading = false
	_ = p.updateInterest()
}

// updateInterest reconciles the poller registration and the active flag with
// the current read and write state.
func (p *pipeHandle) updateInterest() error {
	var want IOEvents
	if p.reading {
		want |= EventRead
	}
	if p.writes.Length() != 0 {
		want |= EventWrite
	}
	if want != 0 {
		p.handle.start()
	} else {
		p.handle.stop()
	}
	if p.fd < 0 || want == p.interest {
		return nil
	}
	var err error
	switch {
	case want == 0:
		err = p.loop.poller.UnregisterFD(p.fd)
	case p.interest == 0:
		err = p.loop.poller.RegisterFD(p.fd, want, p.onEvent)
	default:
		err = p.loop.poller.ModifyFD(p.fd, want)
	}
	if err != nil {
		return err
	}
	p.interest = want
	return nil
}

func (p *pipeHandle) onEvent(events IOEvents) {
	if p.reading && p.onReadable != nil && events&(EventRead|EventHangup|EventError) != 0 {
		p.onReadable()
	}
	if p.writes.Length() != 0 && events&(EventWrite|EventHangup|EventError) != 0 {
		p.flush()
	}
}

// write queues a copy of b and flushes as much as the pipe accepts.
func (p *pipeHandle) write(b []byte) {
	p.loop.activeReqs++
	p.writes.Add(&writeReq{buf: bytes.Clone(b)})
	if p.writes.Length() == 1 {
		p.flush()
	}
}

// flush writes queued requests until the queue is empty or the pipe is full.
func (p *pipeHandle) flush() {
	for p.writes.Length() != 0 {
		req := p.writes.Peek().(*writeReq)
		if req.off < len(req.buf) {
			n, err := writeFD(p.fd, req.buf[req.off:])
			if n > 0 {
				req.off += n
				if m := p.loop.metrics; m != nil {
					m.bytesWritten.Add(uint64(n))
				}
			}
			if err != nil {
				if isTemporary(err) {
					break
				}
				p.writes.Remove()
				p.complete(err)
				continue
			}
			if req.off < len(req.buf) {
				continue
			}
		}
		p.writes.Remove()
		p.complete(nil)
	}
	if err := p.updateInterest(); err != nil {
		p.failWrites(err)
		_ = p.updateInterest()
	}
}

// complete queues the completion of a request that left the queue. The
// request keeps the loop alive until the completion has run.
func (p *pipeHandle) complete(err error) {
	p.loop.queuePending(func() {
		p.loop.activeReqs--
		if err != nil && p.onWriteError != nil {
			p.onWriteError(err)
		}
	})
}

func (p *pipeHandle) failWrites(err error) {
	for p.writes.Length() != 0 {
		p.writes.Remove()
		p.complete(err)
	}
}

// shutdown is the close-time stop: no more reads, queued writes are
// cancelled, and the fd leaves the poller.
func (p *pipeHandle) shutdown() {
	p.onReadable = nil
	p.reading = false
	p.failWrites(ErrStreamClosed)
	if p.fd >= 0 && p.interest != 0 {
		_ = p.loop.poller.UnregisterFD(p.fd)
	}
	p.interest = 0
}

// release closes the fd. Runs in the closing phase.
func (p *pipeHandle) release() {
	if p.fd < 0 {
		return
	}
	if p.restore {
		_ = restoreFlags(p.fd, p.savedFlags)
	}
	_ = closeFD(p.fd)
	p.fd = -1
}
