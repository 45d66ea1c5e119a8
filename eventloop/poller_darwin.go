//go:build darwin

package eventloop

import (
	"golang.org/x/sys/unix"
)

// fastPoller manages I/O event registration using kqueue (Darwin).
type fastPoller struct {
	fds      fdTable
	eventBuf [256]unix.Kevent_t
	kq       int
	closed   bool
}

// Init initializes the kqueue instance.
func (p *fastPoller) Init() error {
	if p.closed {
		return ErrPollerClosed
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.fds = make(fdTable, maxFDs)
	return nil
}

// Close closes the kqueue instance.
func (p *fastPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}

// ProbeFD reports whether fd can be monitored at all. kqueue accepts every
// descriptor kind a stream can be bound to, so only validity is checked.
func (p *fastPoller) ProbeFD(fd int) error {
	if p.closed {
		return ErrPollerClosed
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	return err
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
	if kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
// Events already collected for fd in the current PollIO are dropped.
func (p *fastPoller) UnregisterFD(fd int) error {
	info, ok := p.fds.lookup(fd)
	if !ok {
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	if p.closed {
		return nil
	}
	if kevents := eventsToKevents(fd, info.events, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil) // Ignore errors on delete
	}
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *fastPoller) ModifyFD(fd int, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	info, ok := p.fds.lookup(fd)
	if !ok {
		return ErrFDNotRegistered
	}
	if removed := info.events &^ events; removed != 0 {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil) // Ignore errors
		}
	}
	if added := events &^ info.events; added != 0 {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
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
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if info, ok := p.fds.lookup(fd); ok && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
	return n, nil
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
