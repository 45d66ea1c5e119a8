// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultReadBufferSize is the size of each stream's read slot.
const DefaultReadBufferSize = 0xffff

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger         *logiface.Logger[logiface.Event]
	onWriteError   func(*Stream, error)
	readBufferSize int
	stdinFD        int
	stdoutFD       int
	reapTimeout    time.Duration
	metricsEnabled bool
}

// --- Loop Options ---

// LoopOption configures a Loop instance.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

// loopOptionImpl implements LoopOption.
type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger used by the loop and its streams.
// A nil logger disables logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithReadBufferSize sets the size of the fixed read slot allocated for each
// stream. Every chunk delivered to a read callback is at most this long.
// Defaults to [DefaultReadBufferSize].
func WithReadBufferSize(size int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if size <= 0 {
			return &UsageError{Message: fmt.Sprintf("eventloop: read buffer size must be positive, got %d", size)}
		}
		opts.readBufferSize = size
		return nil
	}}
}

// WithStdio sets the file descriptors BindStdio reads from and writes to.
// Defaults to 0 and 1. The descriptors are duplicated, never closed.
func WithStdio(in, out int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if in < 0 || out < 0 {
			return &UsageError{Message: fmt.Sprintf("eventloop: invalid stdio descriptors %d, %d", in, out)}
		}
		opts.stdinFD, opts.stdoutFD = in, out
		return nil
	}}
}

// WithReapTimeout bounds how long Stream.Close waits for a child that has not
// exited. After the timeout the child is sent SIGKILL and Close keeps waiting
// for the OS to report its termination. Zero (the default) waits without
// escalating.
func WithReapTimeout(timeout time.Duration) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if timeout < 0 {
			return &UsageError{Message: "eventloop: reap timeout must be non-negative"}
		}
		opts.reapTimeout = timeout
		return nil
	}}
}

// WithMetrics enables runtime metrics collection on the Loop.
// When enabled, metrics can be accessed via Loop.Metrics().
func WithMetrics(enabled bool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithWriteErrorHandler registers a hook that is called, on the loop
// goroutine, for every write request that fails. Write itself never reports
// these failures.
func WithWriteErrorHandler(fn func(s *Stream, err error)) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.onWriteError = fn
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		readBufferSize: DefaultReadBufferSize,
		stdinFD:        0,
		stdoutFD:       1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
