// Command pipeloop runs a JavaScript file with access to the pipe and
// process event loop.
//
// Usage:
//
//	pipeloop script.js [args...]
//
// The script sees a global Loop constructor (see package gojaeventloop), a
// console.log that writes to stdout, and args, the arguments following the
// script name. Configuration is read from PIPELOOP_* environment variables,
// logs go to stderr as JSON.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dop251/goja"
	gojaeventloop "github.com/joeycumines/go-pipeloop/goja-eventloop"
	"github.com/joeycumines/stumpy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: pipeloop script.js [args...]")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "pipeloop: %v\n", err)
		return 2
	}
	level, _ := cfg.level()
	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(level),
	).Logger()

	src, err := os.ReadFile(args[0])
	if err != nil {
		logger.Err().Err(err).Str("script", args[0]).Log("pipeloop: failed to read script")
		return 1
	}

	runtime := goja.New()
	adapter, err := gojaeventloop.New(runtime, cfg.loopOptions(logger)...)
	if err != nil {
		logger.Err().Err(err).Log("pipeloop: failed to create adapter")
		return 1
	}
	adapter.SetContext(ctx)
	defer adapter.Close()

	if err := bindGlobals(runtime, adapter, args[1:], stdout); err != nil {
		logger.Err().Err(err).Log("pipeloop: failed to bind globals")
		return 1
	}

	if _, err := runtime.RunScript(args[0], string(src)); err != nil {
		logger.Err().Err(err).Str("script", args[0]).Log("pipeloop: script failed")
		return 1
	}
	logger.Debug().Str("script", args[0]).Log("pipeloop: script finished")
	return 0
}

func bindGlobals(runtime *goja.Runtime, adapter *gojaeventloop.Adapter, args []string, stdout io.Writer) error {
	if err := adapter.Bind(); err != nil {
		return err
	}
	console := runtime.NewObject()
	if err := console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		_, _ = fmt.Fprintln(stdout, strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return err
	}
	if err := runtime.Set("console", console); err != nil {
		return err
	}
	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = arg
	}
	return runtime.Set("args", runtime.NewArray(values...))
}
