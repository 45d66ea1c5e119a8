//go:build linux || darwin

package eventloop

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(t *testing.T) *fastPoller {
	t.Helper()
	p := &fastPoller{}
	require.NoError(t, p.Init())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoller_ReadReadiness(t *testing.T) {
	p := newTestPoller(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	var got IOEvents
	calls := 0
	require.NoError(t, p.RegisterFD(fd, EventRead, func(ev IOEvents) {
		got |= ev
		calls++
	}))
	assert.ErrorIs(t, p.RegisterFD(fd, EventRead, nil), ErrFDAlreadyRegistered)

	n, err := p.PollIO(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	_, err = p.PollIO(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NotZero(t, got&EventRead)

	require.NoError(t, p.UnregisterFD(fd))
	assert.ErrorIs(t, p.UnregisterFD(fd), ErrFDNotRegistered)
	_, err = p.PollIO(0)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "unregistered fds are not dispatched")
}

func TestPoller_ModifyToWrite(t *testing.T) {
	p := newTestPoller(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	fd := int(w.Fd())

	var got IOEvents
	require.NoError(t, p.RegisterFD(fd, EventRead, func(ev IOEvents) { got |= ev }))
	require.NoError(t, p.ModifyFD(fd, EventWrite))
	_, err = p.PollIO(1000)
	require.NoError(t, err)
	assert.NotZero(t, got&EventWrite, "an empty pipe is writable")

	assert.ErrorIs(t, p.ModifyFD(1<<20, EventRead), ErrFDNotRegistered)
}

func TestPoller_Errors(t *testing.T) {
	p := newTestPoller(t)
	assert.ErrorIs(t, p.RegisterFD(-1, EventRead, nil), ErrFDOutOfRange)
	assert.ErrorIs(t, p.RegisterFD(MaxFDLimit, EventRead, nil), ErrFDOutOfRange)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")
	_, err := p.PollIO(0)
	assert.ErrorIs(t, err, ErrPollerClosed)
	assert.ErrorIs(t, p.RegisterFD(3, EventRead, nil), ErrPollerClosed)
	assert.ErrorIs(t, p.ProbeFD(3), ErrPollerClosed)
}

func TestPoller_ProbePipe(t *testing.T) {
	p := newTestPoller(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	assert.NoError(t, p.ProbeFD(int(r.Fd())))
	// probing leaves nothing registered
	assert.NoError(t, p.RegisterFD(int(r.Fd()), EventRead, func(IOEvents) {}))
}
