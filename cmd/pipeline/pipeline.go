// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Program pipeline is a command-line utility for serving and calling
// pipelining RPC dispatchers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"iter"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/pipeline"
	"github.com/creachadair/pipeline/handler"
	"github.com/creachadair/pipeline/peers"
	"github.com/creachadair/pipeline/relay"
	"github.com/creachadair/pipeline/stream"
	"github.com/creachadair/pipeline/transport"
	"github.com/creachadair/taskgroup"
)

var serveFlags struct {
	TCP        string  `flag:"tcp,Listen for stream connections at this address"`
	HTTP       string  `flag:"http,default=localhost:8080,Serve batch and WebSocket requests at this address"`
	Rate       float64 `flag:"rate,Limit calls per second (0 means no limit)"`
	Burst      int     `flag:"burst,default=10,Burst size for the rate limit"`
	Debug      bool    `flag:"debug,Include stack traces in error replies"`
	LogCalls   bool    `flag:"log-calls,Log each call and its outcome"`
	LogMessage bool    `flag:"log-messages,Log each message exchanged"`
}

var callFlags struct {
	Chain    string        `flag:"chain,Dot-separated property path applied to the result"`
	Timeout  time.Duration `flag:"timeout,default=30s,Call timeout"`
	Header   string        `flag:"header,Extra batch request header (Name: value)"`
	Compress bool          `flag:"gzip,Compress batch request bodies"`
	Stream   bool          `flag:"stream,Make a streaming call and print each value"`
	Verbose  bool          `flag:"v,Log messages exchanged with the server"`
}

var relayFlags struct {
	Listen    string `flag:"listen,default=localhost:8081,Serve the relay at this address"`
	Batch     string `flag:"batch,Batch endpoint URL for forwarded calls"`
	WS        string `flag:"ws,WebSocket URL for calls that request it"`
	Allow     string `flag:"allow,Comma-separated list of allowed origins"`
	AnyOrigin bool   `flag:"any-origin,Accept requests from any origin (development only)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for serving and calling pipelining RPC dispatchers.",
		Commands: []*command.C{
			{
				Name: "serve",
				Help: `Serve a demonstration dispatcher.

The dispatcher exports these methods:

  echo(v)         : return v
  add(a, b)       : return a + b
  user(id)        : return a user record with a nested profile
  sleep(d)        : wait for duration d (for example "1s") and return it
  each(xs, f)     : call f(x) for each x in xs
  count(n, sink)  : stream the integers 1..n (use call --stream)

Batch requests are accepted by POST at /rpc, WebSocket connections at /ws,
and metrics are exported at /debug/vars. If --tcp is set, newline-delimited
JSON stream connections are also accepted at that address.`,
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:  "call",
				Usage: "<target> <method> [<arg>...]",
				Help: `Call a method and print its result as JSON.

The target is an http(s) URL for a batch endpoint, a ws(s) URL for a
WebSocket endpoint, or a host:port address for a stream connection.
Each argument is parsed as JSON if possible, and otherwise used as a
string. With --chain, the dot-separated path is applied to the result
on the server, in the same round trip.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name: "relay",
				Help: `Serve a cross-origin relay.

Requests are accepted by POST at /, with the origin taken from the Origin
header. Calls are forwarded to --batch, or to --ws for requests that set
useWebSocket.`,
				SetFlags: command.Flags(flax.MustBind, &relayFlags),
				Run:      runRelay,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

type userRecord struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Profile map[string]any `json:"profile"`
}

func newDemoDispatcher() *pipeline.Dispatcher {
	d := pipeline.NewDispatcher().
		Register("echo", func(v any) any { return v }).
		Register("add", func(a, b float64) float64 { return a + b }).
		Handle("user", handler.ParamResult(func(_ context.Context, id string) userRecord {
			return userRecord{
				ID:   id,
				Name: "user-" + id,
				Profile: map[string]any{
					"email":   id + "@example.com",
					"created": time.Now().UTC().Format(time.RFC3339),
				},
			}
		})).
		Handle("sleep", handler.ParamResultError(func(ctx context.Context, s string) (string, error) {
			d, err := time.ParseDuration(s)
			if err != nil {
				return "", pipeline.Errorf(pipeline.CodeInvalidRequest, "invalid duration: %v", err)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d):
				return d.String(), nil
			}
		})).
		Register("each", func(ctx context.Context, xs []any, f pipeline.Func) error {
			for _, x := range xs {
				if _, err := f(ctx, x); err != nil {
					return err
				}
			}
			return nil
		}).
		Debug(serveFlags.Debug)

	stream.Handle(d, "count", func(ctx context.Context, params []any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			var n int
			if len(params) != 0 {
				if err := pipeline.Convert(params[0], &n); err != nil {
					yield(nil, pipeline.Errorf(pipeline.CodeInvalidRequest, "invalid count: %v", err))
					return
				}
			}
			for i := 1; i <= n; i++ {
				if !yield(i, nil) {
					return
				}
			}
		}
	})

	if serveFlags.Rate > 0 {
		d.Hook(pipeline.RateLimit(serveFlags.Rate, serveFlags.Burst))
	}
	if serveFlags.LogCalls {
		d.Hook(pipeline.LogCalls(nil))
	}
	if serveFlags.LogMessage {
		d.LogMessages(func(mi pipeline.MessageInfo) { log.Printf("[msg] %v", mi) })
	}
	return d
}

func runServe(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	d := newDemoDispatcher()
	expvar.Publish("pipeline", pipeline.Metrics())

	mux := http.NewServeMux()
	mux.Handle("/rpc", d)
	mux.Handle("/ws", transport.WebSocketHandler(d.ServeConn, nil))
	mux.Handle("/debug/vars", expvar.Handler())
	hsrv := &http.Server{
		Addr:        serveFlags.HTTP,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g := taskgroup.New(taskgroup.Trigger(cancel))
	g.Go(func() error {
		log.Printf("Serving HTTP at %q", serveFlags.HTTP)
		if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if serveFlags.TCP != "" {
		lst, err := net.Listen("tcp", serveFlags.TCP)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Printf("Serving stream connections at %q", lst.Addr())
		g.Go(func() error { return peers.Loop(ctx, peers.NetAccepter(lst), d) })
		g.Go(func() error { <-ctx.Done(); return lst.Close() })
	}
	g.Go(func() error {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return hsrv.Shutdown(sctx)
	})
	return g.Wait()
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("missing target and method")
	}
	target, method := env.Args[0], env.Args[1]
	args := make([]any, len(env.Args)-2)
	for i, s := range env.Args[2:] {
		args[i] = parseArg(s)
	}

	t, err := dialTarget(target)
	if err != nil {
		return err
	}
	c := pipeline.NewClient(t, &pipeline.ClientOptions{Timeout: callFlags.Timeout})
	defer c.Close()
	if callFlags.Verbose {
		c.LogMessages(func(mi pipeline.MessageInfo) { log.Printf("[msg] %v", mi) })
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	if callFlags.Stream {
		for v, err := range stream.Call(ctx, c, method, args...) {
			if err != nil {
				return err
			}
			enc.Encode(v)
		}
		return nil
	}

	d := c.Call(method, args...)
	if callFlags.Chain != "" {
		for _, key := range strings.Split(callFlags.Chain, ".") {
			d = d.Get(key)
		}
	}
	v, err := d.Await(ctx)
	if err != nil {
		return err
	}
	return enc.Encode(v)
}

// dialTarget returns a transport for the given call target.
func dialTarget(target string) (pipeline.Transport, error) {
	logf := func(string, ...any) {}
	if callFlags.Verbose {
		logf = log.Printf
	}
	switch {
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		opts := &transport.BatchOptions{Compress: callFlags.Compress, Logf: logf}
		if callFlags.Header != "" {
			name, value, ok := strings.Cut(callFlags.Header, ":")
			if !ok {
				return nil, fmt.Errorf("invalid header %q", callFlags.Header)
			}
			opts.Header = http.Header{}
			opts.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
		return transport.NewBatch(target, opts), nil

	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
		return transport.NewPersistent(transport.DialWebSocket(target, nil), &transport.PersistentOptions{Logf: logf}), nil

	default:
		if _, _, err := net.SplitHostPort(target); err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", target, err)
		}
		return transport.NewPersistent(transport.DialNet("tcp", target), &transport.PersistentOptions{Logf: logf}), nil
	}
}

// parseArg parses s as a JSON value, or returns it as a string if it is not
// valid JSON.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func runRelay(env *command.Env) error {
	if relayFlags.Batch == "" && relayFlags.WS == "" {
		return env.Usagef("at least one of --batch or --ws is required")
	}
	opts := &relay.Options{AllowAnyOrigin: relayFlags.AnyOrigin}
	for _, o := range strings.Split(relayFlags.Allow, ",") {
		if o = strings.TrimSpace(o); o != "" {
			opts.AllowedOrigins = append(opts.AllowedOrigins, o)
		}
	}
	if len(opts.AllowedOrigins) == 0 && !opts.AllowAnyOrigin {
		log.Printf("WARNING: no origins are allowed; all requests will be rejected")
	}
	if relayFlags.Batch != "" {
		opts.Batch = pipeline.NewClient(transport.NewBatch(relayFlags.Batch, nil), nil)
		defer opts.Batch.Close()
	}
	if relayFlags.WS != "" {
		opts.Persistent = pipeline.NewClient(transport.NewPersistent(transport.DialWebSocket(relayFlags.WS, nil), nil), nil)
		defer opts.Persistent.Close()
		if opts.Batch == nil {
			opts.Batch = opts.Persistent
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	hsrv := &http.Server{Addr: relayFlags.Listen, Handler: relay.Handler(relay.New(opts))}
	go func() {
		<-ctx.Done()
		hsrv.Close()
	}()
	log.Printf("Serving relay at %q", relayFlags.Listen)
	if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
