//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// fastPoller manages I/O event registration using epoll (Linux).
//
// Level-triggered: a readable pipe keeps being reported until it is drained
// or its read interest is removed.
type fastPoller struct {
	fds      fdTable
	eventBuf [256]unix.EpollEvent
	epfd     int
	closed   bool
}

// Init initializes the epoll instance.
func (p *fastPoller) Init() error {
	if p.closed {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make(fdTable, maxFDs)
	return nil
}

// Close closes the epoll instance.
func (p *fastPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.epfd)
}

// ProbeFD reports whether fd can be monitored at all. epoll refuses regular
// files and directories with EPERM.
func (p *fastPoller) ProbeFD(fd int) error {
	if p.closed {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *fastPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed {
		return ErrPollerClosed
	}
	if err := p.fds.grow(fd); err != nil {
		return err
	}
	if p.fds[fd].active {
		return ErrFDAlreadyRegistered
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return err
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
// Events already collected for fd in the current PollIO are dropped.
func (p *fastPoller) UnregisterFD(fd int) error {
	if _, ok := p.fds.lookup(fd); !ok {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	if p.closed {
		return nil
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *fastPoller) ModifyFD(fd int, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	if _, ok := p.fds.lookup(fd); !ok {
		return ErrFDNotRegistered
	}
	ev := &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return err
	}
	p.fds[fd].events = events
	return nil
}

// PollIO waits up to timeoutMs (-1 blocks) and dispatches ready events
// inline. EINTR is reported as zero events.
func (p *fastPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		// re-read per event, an earlier callback may have unregistered fd
		if info, ok := p.fds.lookup(fd); ok && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
