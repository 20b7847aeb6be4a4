// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting and serving clients and
// dispatchers.
package peers

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/pipeline"
	"github.com/creachadair/pipeline/transport"
	"github.com/creachadair/taskgroup"
)

// Local is a client connected to a dispatcher in memory, suitable for
// testing.
type Local struct {
	Client     *pipeline.Client
	Dispatcher *pipeline.Dispatcher

	done *taskgroup.Single[error]
}

// Stop shuts down the client and the dispatcher session, and blocks until
// both have exited.
func (p *Local) Stop() error {
	cerr := p.Client.Close()
	serr := p.done.Wait()
	if cerr != nil {
		return cerr
	}
	return serr
}

// NewLocal connects a new client to d via a direct in-memory transport. The
// client uses opts, which may be nil.
func NewLocal(d *pipeline.Dispatcher, opts *pipeline.ClientOptions) *Local {
	ct, st := transport.Direct()
	return &Local{
		Client:     pipeline.NewClient(ct, opts),
		Dispatcher: d,
		done: taskgroup.Go(func() error {
			return d.ServeConn(context.Background(), st)
		}),
	}
}

// An Accepter accepts new connections from clients.
type Accepter interface {
	Accept(context.Context) (pipeline.Transport, error)
}

// Loop accepts connections from acc and serves each one with d in a
// goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, d *pipeline.Dispatcher) error {
	g := taskgroup.New(nil)
	for {
		t, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}
		g.Go(func() error {
			d.ServeConn(ctx, t) // errors are per-connection
			return nil
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface. Each accepted
// connection exchanges newline-delimited JSON messages.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (pipeline.Transport, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return transport.Stream(conn), nil
}
