//go:build darwin

package eventloop

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// newPipe returns a close-on-exec pipe as (read end, write end).
//
// Darwin has no pipe2, so the fork lock is held between creating the pipe and
// marking it close-on-exec, the same way os.Pipe does it.
func newPipe() (int, int, error) {
	var fds [2]int
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return fds[0], fds[1], nil
}
