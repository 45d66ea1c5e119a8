// Package eventloop provides an embeddable, single-threaded run loop that
// multiplexes the process's standard I/O pipes and the stdio pipes of spawned
// child processes.
//
// # Architecture
//
// A [Loop] owns an I/O poller (epoll on Linux, kqueue on Darwin), a wake-up
// file descriptor, and a registry of handles: pipe ends, child processes, and
// the internal timer and prepare hooks used to bound a run. Nothing happens
// unless the host drives the loop with [Loop.Run] or [Loop.RunTimeout]; every
// callback fires on the goroutine that called them.
//
// A [Stream] pairs a writable sink with a readable source. Streams are created
// by [Loop.BindStdio] (the process's own stdin/stdout) or [Loop.Spawn] (a child
// process, with the child's stdin as the sink and its stdout as the source).
//
// # Lifetimes
//
// Loop and Stream lifetimes are tracked with explicit reference counts. The
// host holds one reference on each object, every stream holds one reference on
// its loop, and every pipe or process close that has not completed yet holds
// one reference on its stream. [Loop.Delete] and [Stream.Release] drop the host
// references; resources are freed when a count reaches zero, which may happen
// during a later run:
//
//	loop, err := eventloop.New()
//	if err != nil {
//		return err
//	}
//	defer loop.Delete()
//
//	s, err := loop.Spawn([]string{"echo", "hello"})
//	if err != nil {
//		return err
//	}
//	defer s.Release()
//
//	if err := s.ReadStart(func(b []byte) { os.Stdout.Write(b) }); err != nil {
//		return err
//	}
//	return loop.Run(ctx)
//
// # Termination
//
// End of stream (or a read error) on any source stops the loop, so Run returns
// once the producer has finished. A child exiting does not stop the loop on its
// own; its remaining output is delivered first.
//
// [Stream.Close] never leaves a zombie behind: if the child has not exited yet,
// Close blocks until it has. [WithReapTimeout] bounds that wait by escalating
// to SIGKILL.
//
// # Thread Safety
//
// A Loop is not safe for concurrent use. The only methods that may be called
// from other goroutines are [Loop.Metrics], [Loop.State] and [Loop.ID];
// cancelling the context passed to Run is the supported way to stop a loop
// from elsewhere.
//
// # Platform Support
//
// Linux and Darwin.
package eventloop
