//go:build linux || darwin

package eventloop

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// readFD reads from a file descriptor, retrying on EINTR.
func readFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// writeFD writes to a file descriptor, retrying on EINTR.
func writeFD(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// dupFD duplicates fd with close-on-exec set, so stdio descriptors handed to
// a stream never leak into spawned children.
func dupFD(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// setNonblock switches fd to non-blocking mode and returns the file status
// flags it had before.
func setNonblock(fd int) (int, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return 0, err
	}
	if flags&unix.O_NONBLOCK == 0 {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); err != nil {
			return 0, err
		}
	}
	return flags, nil
}

// restoreFlags puts back file status flags saved by setNonblock.
func restoreFlags(fd, flags int) error {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	return err
}

// isTemporary reports whether a read or write should simply be retried once
// the poller reports readiness again.
func isTemporary(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
