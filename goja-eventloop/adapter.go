// Copyright 2025 Joseph Cumines
//
// goja-eventloop: Goja bindings for the pipe and process event loop

package gojaeventloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-pipeloop/eventloop"
)

// Adapter exposes eventloop loops and streams to a Goja runtime.
//
// Everything the adapter creates belongs to the goroutine that owns the
// runtime: scripts drive their loops by calling run(), and callbacks fire
// from inside that call.
type Adapter struct {
	runtime *goja.Runtime
	ctx     context.Context
	opts    []eventloop.LoopOption
	loops   []*eventloop.Loop
	streams []*eventloop.Stream
}

// jsLoop is the state behind one script-visible Loop object.
type jsLoop struct {
	adapter *Adapter
	loop    *eventloop.Loop
	// err is the first exception thrown by a read callback during the
	// current run, rethrown when run returns.
	err error
}

// New creates an adapter for runtime. opts apply to every loop a script
// constructs.
func New(runtime *goja.Runtime, opts ...eventloop.LoopOption) (*Adapter, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime cannot be nil")
	}
	return &Adapter{
		runtime: runtime,
		ctx:     context.Background(),
		opts:    opts,
	}, nil
}

// Runtime returns the Goja runtime
func (a *Adapter) Runtime() *goja.Runtime {
	return a.runtime
}

// SetContext sets the context passed to every run. Cancelling it makes a
// blocked run() throw.
func (a *Adapter) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.ctx = ctx
}

// Bind installs the global Loop constructor.
//
// After calling Bind(), scripts can do:
//
//	const loop = new Loop();
//	const child = loop.spawn(["cat"]);
//	child.readStart(buf => { ... });   // buf is an ArrayBuffer
//	child.write("hello");              // string, ArrayBuffer or typed array
//	loop.run();                        // or loop.run(timeoutMs)
//	child.close();                     // close(true) kills, close(false) terminates
//	child.release();
//	loop.delete();
func (a *Adapter) Bind() error {
	return a.runtime.Set("Loop", a.loopConstructor)
}

// Close force-closes and releases every stream the script left behind, then
// deletes every loop. Children still running are killed.
func (a *Adapter) Close() {
	for _, s := range a.streams {
		s.Close(eventloop.SignalKill)
		s.Release()
	}
	a.streams = nil
	for _, l := range a.loops {
		l.Delete()
	}
	a.loops = nil
}

func (a *Adapter) loopConstructor(call goja.ConstructorCall) *goja.Object {
	loop, err := eventloop.New(a.opts...)
	if err != nil {
		a.throw(err)
	}
	a.loops = append(a.loops, loop)
	jl := &jsLoop{adapter: a, loop: loop}

	obj := call.This
	a.set(obj, "stdio", jl.stdio)
	a.set(obj, "spawn", jl.spawn)
	a.set(obj, "run", jl.run)
	a.set(obj, "stop", func(goja.FunctionCall) goja.Value {
		loop.Stop()
		return goja.Undefined()
	})
	a.set(obj, "delete", func(goja.FunctionCall) goja.Value {
		loop.Delete()
		return goja.Undefined()
	})
	return obj
}

func (jl *jsLoop) stdio(goja.FunctionCall) goja.Value {
	s, err := jl.loop.BindStdio()
	if err != nil {
		jl.adapter.throw(err)
	}
	return jl.wrapStream(s)
}

func (jl *jsLoop) spawn(call goja.FunctionCall) goja.Value {
	a := jl.adapter
	argv, ok := toArgv(call.Argument(0))
	if !ok {
		panic(a.runtime.NewTypeError("spawn requires an array of strings"))
	}
	s, err := jl.loop.Spawn(argv)
	if err != nil {
		a.throw(err)
	}
	return jl.wrapStream(s)
}

func (jl *jsLoop) run(call goja.FunctionCall) goja.Value {
	a := jl.adapter
	var err error
	if t := call.Argument(0); goja.IsUndefined(t) || goja.IsNull(t) {
		err = jl.loop.Run(a.ctx)
	} else {
		timeout, ok := toTimeout(t)
		if !ok {
			panic(a.runtime.NewTypeError("run timeout must be a number of milliseconds, got %s", t.String()))
		}
		err = jl.loop.RunTimeout(a.ctx, timeout)
	}
	if cbErr := jl.err; cbErr != nil {
		jl.err = nil
		var ex *goja.Exception
		if errors.As(cbErr, &ex) {
			panic(ex)
		}
		panic(a.runtime.NewGoError(cbErr))
	}
	if err != nil {
		a.throw(err)
	}
	return goja.Undefined()
}

func (jl *jsLoop) wrapStream(s *eventloop.Stream) *goja.Object {
	a := jl.adapter
	a.streams = append(a.streams, s)

	obj := a.runtime.NewObject()
	a.set(obj, "readStart", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(a.runtime.NewTypeError("readStart requires a function as first argument"))
		}
		if err := s.ReadStart(jl.readCallback(fn)); err != nil {
			a.throw(err)
		}
		return goja.Undefined()
	})
	a.set(obj, "readStop", func(goja.FunctionCall) goja.Value {
		s.ReadStop()
		return goja.Undefined()
	})
	a.set(obj, "write", func(call goja.FunctionCall) goja.Value {
		b, ok := toBytes(call.Argument(0))
		if !ok {
			panic(a.runtime.NewTypeError("write requires a string, ArrayBuffer or typed array"))
		}
		if err := s.Write(b); err != nil {
			a.throw(err)
		}
		return goja.Undefined()
	})
	a.set(obj, "close", func(call goja.FunctionCall) goja.Value {
		sig := eventloop.SignalNone
		if force := call.Argument(0); !goja.IsUndefined(force) && !goja.IsNull(force) {
			if force.ToBoolean() {
				sig = eventloop.SignalKill
			} else {
				sig = eventloop.SignalTerminate
			}
		}
		s.Close(sig)
		return goja.Undefined()
	})
	a.set(obj, "release", func(goja.FunctionCall) goja.Value {
		s.Release()
		return goja.Undefined()
	})
	a.set(obj, "exited", func(goja.FunctionCall) goja.Value {
		return a.runtime.ToValue(s.Exited())
	})
	a.set(obj, "exitCode", func(goja.FunctionCall) goja.Value {
		return a.runtime.ToValue(s.ExitCode())
	})
	a.set(obj, "pid", s.Pid())
	a.set(obj, "kind", s.Kind().String())
	return obj
}

// readCallback adapts fn to a stream read callback. Chunks are copied into
// a fresh ArrayBuffer. An exception stops the loop and is rethrown by run.
func (jl *jsLoop) readCallback(fn goja.Callable) func([]byte) {
	a := jl.adapter
	return func(chunk []byte) {
		buf := a.runtime.NewArrayBuffer(bytes.Clone(chunk))
		if _, err := fn(goja.Undefined(), a.runtime.ToValue(buf)); err != nil {
			if jl.err == nil {
				jl.err = err
			}
			jl.loop.Stop()
		}
	}
}

func (a *Adapter) set(obj *goja.Object, name string, value any) {
	if err := obj.Set(name, value); err != nil {
		panic(a.runtime.NewGoError(err))
	}
}

// throw raises err in the script: usage errors as a TypeError, everything
// else (launch failures, cancellation) as a GoError.
func (a *Adapter) throw(err error) {
	var usage *eventloop.UsageError
	if errors.As(err, &usage) {
		panic(a.runtime.NewTypeError("%s", err.Error()))
	}
	panic(a.runtime.NewGoError(err))
}

// maxTimeoutMillis is the largest timeout representable as a time.Duration.
const maxTimeoutMillis = math.MaxInt64 / int64(time.Millisecond)

// toTimeout converts a millisecond count, truncating fractions. Negative
// values pass through, RunTimeout rejects them.
func toTimeout(v goja.Value) (time.Duration, bool) {
	var ms int64
	switch x := v.Export().(type) {
	case int64:
		ms = x
	case float64:
		if math.IsNaN(x) || x > float64(maxTimeoutMillis) || x < -float64(maxTimeoutMillis) {
			return 0, false
		}
		ms = int64(x)
	default:
		return 0, false
	}
	if ms > maxTimeoutMillis || ms < -maxTimeoutMillis {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func toArgv(v goja.Value) ([]string, bool) {
	items, ok := v.Export().([]any)
	if !ok {
		return nil, false
	}
	argv := make([]string, len(items))
	for i, item := range items {
		if argv[i], ok = item.(string); !ok {
			return nil, false
		}
	}
	return argv, true
}

// toBytes views v as bytes without copying. Stream.Write copies.
func toBytes(v goja.Value) ([]byte, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case string:
		return []byte(x), true
	case goja.ArrayBuffer:
		return x.Bytes(), true
	case []byte:
		return x, true
	}
	// any other ArrayBuffer view: typed arrays, DataView
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false
	}
	buffer := obj.Get("buffer")
	if buffer == nil {
		return nil, false
	}
	ab, ok := buffer.Export().(goja.ArrayBuffer)
	if !ok {
		return nil, false
	}
	offset, length := obj.Get("byteOffset"), obj.Get("byteLength")
	if offset == nil || length == nil {
		return nil, false
	}
	data := ab.Bytes()
	off, n := offset.ToInteger(), length.ToInteger()
	if off < 0 || n < 0 || off+n > int64(len(data)) {
		return nil, false
	}
	return data[off : off+n], true
}
