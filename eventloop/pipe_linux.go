//go:build linux

package eventloop

import (
	"golang.org/x/sys/unix"
)

// newPipe returns a close-on-exec pipe as (read end, write end).
func newPipe() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
