package eventloop

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageError(t *testing.T) {
	err := &UsageError{Message: "eventloop: bad", Cause: io.EOF}
	assert.Equal(t, "eventloop: bad: EOF", err.Error())
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, &UsageError{})
	assert.ErrorIs(t, ErrEmptyArgv, &UsageError{})
	assert.NotErrorIs(t, ErrLoopDeleted, &UsageError{})
	assert.Equal(t, "eventloop: loop already running", ErrLoopAlreadyRunning.Error())
}

func TestUsageError_SentinelsAreDistinct(t *testing.T) {
	sentinels := []error{ErrLoopAlreadyRunning, ErrNegativeTimeout, ErrEmptyArgv}
	for i, err := range sentinels {
		for j, target := range sentinels {
			assert.Equal(t, i == j, errors.Is(err, target), "errors.Is(%v, %v)", err, target)
		}
		assert.ErrorIs(t, fmt.Errorf("wrapped: %w", err), err)
	}
	assert.False(t, errors.Is(ErrNegativeTimeout, ErrLoopAlreadyRunning))
	assert.False(t, errors.Is(&UsageError{Message: "eventloop: other"}, ErrEmptyArgv))
	assert.False(t, errors.Is(ErrEmptyArgv, &UsageError{Message: "eventloop: argv must not be empty"}), "equal messages are not identity")
}

func TestLaunchError(t *testing.T) {
	cause := errors.New("no such file or directory")

	err := &LaunchError{Op: "spawn", Argv: []string{"nope", "x"}, Cause: cause}
	assert.Equal(t, `eventloop: spawn "nope": no such file or directory`, err.Error())
	assert.ErrorIs(t, err, cause)

	err = &LaunchError{Op: "stdio", Cause: cause}
	assert.Equal(t, `eventloop: stdio: no such file or directory`, err.Error())
}

func TestPanicError(t *testing.T) {
	assert.Equal(t, "eventloop: callback panicked: boom", PanicError{Value: "boom"}.Error())
	assert.Nil(t, PanicError{Value: "boom"}.Unwrap())
	assert.ErrorIs(t, PanicError{Value: io.EOF}, io.EOF)
}
