// Package gojaeventloop exposes the [eventloop] package to the [goja]
// JavaScript runtime.
//
// # Overview
//
// [Adapter.Bind] installs a global Loop constructor. Each Loop wraps an
// [eventloop.Loop] built with the options given to [New], and hands out
// stream objects wrapping [eventloop.Stream].
//
// # Bound JavaScript APIs
//
// Loop:
//   - new Loop()
//   - loop.stdio() → stream bound to the process's stdin and stdout
//   - loop.spawn(argv) → stream bound to a child's stdin and stdout
//   - loop.run(timeoutMs?) : runs until idle, stopped, or timed out
//   - loop.stop(), loop.delete()
//
// Stream:
//   - readStart(callback), readStop() : callback receives an ArrayBuffer
//   - write(data) : string, ArrayBuffer, or any ArrayBuffer view
//   - close(force?) : true sends SIGKILL, false SIGTERM, omitted nothing
//   - release()
//   - pid, kind, exited(), exitCode()
//
// Misuse (a non-array argv, a negative timeout, a re-entrant run) throws a
// TypeError. Failures to open pipes or start processes throw a GoError
// carrying the operating system's message.
//
// # Usage
//
//	rt := goja.New()
//	adapter, _ := gojaeventloop.New(rt, eventloop.WithLogger(logger))
//	_ = adapter.Bind()
//	defer adapter.Close()
//
//	_, err := rt.RunString(`
//	    const loop = new Loop();
//	    const child = loop.spawn(["echo", "hello"]);
//	    child.readStart(buf => console.log(new Uint8Array(buf).length));
//	    loop.run();
//	    child.release();
//	    loop.delete();
//	`)
//
// All of it runs on the goroutine calling into the runtime.
//
// [eventloop]: github.com/joeycumines/go-pipeloop/eventloop
// [goja]: github.com/dop251/goja
package gojaeventloop
