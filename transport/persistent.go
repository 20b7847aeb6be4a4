// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/pipeline"
	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
)

// ErrQueueFull is reported by Send when a persistent transport is not
// connected and its outbound queue is at capacity.
var ErrQueueFull = errors.New("outbound queue is full")

// A Dialer opens a new connection to the remote peer. Each call returns a
// fresh single-connection transport, such as a Stream.
type Dialer func(ctx context.Context) (pipeline.Transport, error)

// DialNet returns a Dialer that connects to addr on the named network (for
// example "tcp") and exchanges newline-delimited JSON messages.
func DialNet(network, addr string) Dialer {
	return func(ctx context.Context) (pipeline.Transport, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return Stream(conn), nil
	}
}

// PersistentOptions are optional settings for a persistent transport. A nil
// *PersistentOptions is ready for use and provides defaults as described.
type PersistentOptions struct {
	// How often to ping the remote peer. If nothing is heard from the peer for
	// two intervals, the connection is dropped and redialed. If zero, it uses
	// 30 seconds; if negative, no pings are sent.
	PingInterval time.Duration

	// The initial delay before redialing, doubling after each failure.
	// If zero, it uses 100 milliseconds.
	BaseDelay time.Duration

	// The maximum delay between redials. If zero, it uses 30 seconds.
	MaxDelay time.Duration

	// The maximum number of messages queued while not connected. If zero, it
	// uses 1024.
	MaxQueue int

	// Used to report connection failures. If nil, it uses log.Printf.
	Logf func(string, ...any)
}

func (o *PersistentOptions) pingInterval() time.Duration {
	if o == nil || o.PingInterval == 0 {
		return 30 * time.Second
	}
	return max(o.PingInterval, 0)
}

func (o *PersistentOptions) baseDelay() time.Duration {
	if o == nil || o.BaseDelay <= 0 {
		return 100 * time.Millisecond
	}
	return o.BaseDelay
}

func (o *PersistentOptions) maxDelay() time.Duration {
	if o == nil || o.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return o.MaxDelay
}

func (o *PersistentOptions) maxQueue() int {
	if o == nil || o.MaxQueue <= 0 {
		return 1024
	}
	return o.MaxQueue
}

func (o *PersistentOptions) logf(msg string, args ...any) {
	if o == nil || o.Logf == nil {
		log.Printf(msg, args...)
	} else {
		o.Logf(msg, args...)
	}
}

// A Persistent transport maintains one long-lived connection to a remote
// peer, redialing with exponential backoff whenever the connection drops.
// Messages sent while the connection is not open are queued, and the queue is
// delivered in order before any later message once the connection opens.
//
// Delivery is at-least-once: a message written just before a drop may be
// lost, and a call pending across a drop is reported as failed by the client
// even though the peer may have run it.
//
// Persistent implements [pipeline.StateNotifier].
type Persistent struct {
	dial   Dialer
	opts   *PersistentOptions
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group
	inbox  chan recvItem

	wμ sync.Mutex // serializes writes to conn; acquired before μ

	μ         sync.Mutex
	state     pipeline.State
	conn      pipeline.Transport // the open connection, or nil
	outq      *queue.Queue[*pipeline.Message]
	lastHeard time.Time
	notify    []func(pipeline.State)
}

type recvItem struct {
	msg *pipeline.Message
	err error
}

// NewPersistent constructs a persistent transport that connects using dial,
// and starts connecting in the background.
func NewPersistent(dial Dialer, opts *PersistentOptions) *Persistent {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persistent{
		dial:   dial,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		tasks:  taskgroup.New(nil),
		inbox:  make(chan recvItem),
		state:  pipeline.StateConnecting,
		outq:   queue.New[*pipeline.Message](),
	}
	p.tasks.Go(p.run)
	return p
}

// OnStateChange implements a method of the [pipeline.StateNotifier]
// interface. Each registered function is called after every state change.
func (p *Persistent) OnStateChange(f func(pipeline.State)) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.notify = append(p.notify, f)
}

// State reports the current state of the connection.
func (p *Persistent) State() pipeline.State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// Queued reports the number of messages waiting for the connection to open.
func (p *Persistent) Queued() int {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.outq.Len()
}

// setStateLocked updates the state and returns the listeners to notify. The
// caller must hold p.μ, and must call the listeners after releasing it. Once
// closing, the only permitted change is to closed.
func (p *Persistent) setStateLocked(s pipeline.State) []func(pipeline.State) {
	if p.state == s {
		return nil
	} else if p.state == pipeline.StateClosing && s != pipeline.StateClosed {
		return nil
	} else if p.state == pipeline.StateClosed {
		return nil
	}
	p.state = s
	return p.notify
}

func (p *Persistent) setState(s pipeline.State) {
	p.μ.Lock()
	fs := p.setStateLocked(s)
	p.μ.Unlock()
	notifyAll(fs, s)
}

func notifyAll(fs []func(pipeline.State), s pipeline.State) {
	for _, f := range fs {
		f(s)
	}
}

// run is the connection loop. It exits when p is closed.
func (p *Persistent) run() error {
	delay := p.opts.baseDelay()
	for p.ctx.Err() == nil {
		conn, err := p.dial(p.ctx)
		if err == nil {
			err = p.open(conn)
		}
		if err != nil {
			if p.ctx.Err() != nil {
				break
			}
			p.opts.logf("[persistent] connect failed (retry in %v): %v", delay, err)
			if !sleep(p.ctx, delay) {
				break
			}
			delay = min(2*delay, p.opts.maxDelay())
			continue
		}
		delay = p.opts.baseDelay()

		p.serve(conn)
		p.μ.Lock()
		p.conn = nil
		p.μ.Unlock()
		if p.ctx.Err() != nil {
			break
		}
		p.opts.logf("[persistent] connection lost, reconnecting")
		p.setState(pipeline.StateReconnecting)
	}
	return nil
}

// open delivers the queued messages on conn in order and then marks the
// connection open. Messages not delivered remain queued.
func (p *Persistent) open(conn pipeline.Transport) error {
	p.wμ.Lock()
	defer p.wμ.Unlock()
	stop := context.AfterFunc(p.ctx, func() { conn.Close() }) // unblocks a stalled write
	defer stop()
	for {
		p.μ.Lock()
		err := p.ctx.Err()
		msg, ok := p.outq.Peek(0)
		p.μ.Unlock()
		if err != nil {
			conn.Close()
			return err
		} else if !ok {
			break
		}

		// Sends are excluded by wμ, so the head of the queue cannot change
		// while it is being written.
		if err := conn.Send(msg); err != nil {
			conn.Close()
			return err
		}
		p.μ.Lock()
		p.outq.Pop()
		p.μ.Unlock()
	}

	p.μ.Lock()
	p.conn = conn
	p.lastHeard = time.Now()
	fs := p.setStateLocked(pipeline.StateOpen)
	p.μ.Unlock()
	notifyAll(fs, pipeline.StateOpen)
	return nil
}

// serve receives from conn until it fails or p closes, and keeps the
// connection alive with pings.
func (p *Persistent) serve(conn pipeline.Transport) {
	done := make(chan struct{})
	g := taskgroup.New(nil)
	g.Go(func() error {
		defer close(done)
		for {
			msg, err := conn.Recv()
			if err == nil {
				p.μ.Lock()
				p.lastHeard = time.Now()
				p.μ.Unlock()
				if msg.Type == pipeline.TypePong {
					continue // liveness only
				}
			} else if !errors.Is(err, pipeline.ErrParse) {
				return nil
			}
			select {
			case p.inbox <- recvItem{msg: msg, err: err}:
			case <-p.ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-p.ctx.Done():
			conn.Close() // unblocks the reader and any blocked send
		}
		return nil
	})
	if interval := p.opts.pingInterval(); interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-done:
					return nil
				case <-p.ctx.Done():
					return nil
				case <-t.C:
				}
				p.μ.Lock()
				quiet := time.Since(p.lastHeard)
				p.μ.Unlock()
				if quiet > 2*interval {
					p.opts.logf("[persistent] no response from peer in %v", quiet.Round(time.Millisecond))
					conn.Close()
					return nil
				}
				p.wμ.Lock()
				err := conn.Send(&pipeline.Message{ID: uuid.NewString(), Type: pipeline.TypePing})
				p.wμ.Unlock()
				if err != nil {
					conn.Close()
					return nil
				}
			}
		})
	}
	g.Wait()
	conn.Close()
}

// Send implements a method of the [pipeline.Transport] interface. If the
// connection is not open, msg is queued; if the queue is full, Send reports
// ErrQueueFull. Pings and pongs are not queued.
func (p *Persistent) Send(msg *pipeline.Message) error {
	p.wμ.Lock()
	defer p.wμ.Unlock()

	p.μ.Lock()
	state, conn := p.state, p.conn
	p.μ.Unlock()
	switch state {
	case pipeline.StateClosing, pipeline.StateClosed:
		return net.ErrClosed
	case pipeline.StateOpen:
		if conn != nil {
			err := conn.Send(msg)
			if err == nil {
				return nil
			}
			conn.Close() // the run loop will redial
		}
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	if msg.Type == pipeline.TypePing || msg.Type == pipeline.TypePong {
		return nil
	}
	if p.outq.Len() >= p.opts.maxQueue() {
		return ErrQueueFull
	}
	p.outq.Add(msg)
	return nil
}

// Recv implements a method of the [pipeline.Transport] interface. It receives
// across reconnections, and reports an error only once p is closed.
func (p *Persistent) Recv() (*pipeline.Message, error) {
	select {
	case it := <-p.inbox:
		return it.msg, it.err
	case <-p.ctx.Done():
		return nil, net.ErrClosed
	}
}

// Close implements a method of the [pipeline.Transport] interface. It closes
// the connection, stops redialing, and discards queued messages.
func (p *Persistent) Close() error {
	p.cancel()

	p.μ.Lock()
	if p.state == pipeline.StateClosing || p.state == pipeline.StateClosed {
		p.μ.Unlock()
		return nil
	}
	fs := p.setStateLocked(pipeline.StateClosing)
	p.μ.Unlock()
	notifyAll(fs, pipeline.StateClosing)

	p.tasks.Wait()

	p.μ.Lock()
	p.outq.Clear()
	p.μ.Unlock()
	p.setState(pipeline.StateClosed)
	return nil
}

// sleep waits for d or until ctx ends, and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
