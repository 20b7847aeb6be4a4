// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport provides implementations of the pipeline.Transport
// interface.
package transport

import (
	"encoding/json"
	"net"
	"sync"

	"github.com/creachadair/pipeline"
)

// Direct constructs a connected pair of in-memory transports. Messages sent
// to A are received by B and vice versa. Messages are encoded as JSON in
// transit, so the receiver sees values exactly as it would over a network.
// Closing either side closes both.
func Direct() (A, B pipeline.Transport) {
	p := &pipe{done: make(chan struct{})}
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{p: p, send: a2b, recv: b2a}
	B = direct{p: p, send: b2a, recv: a2b}
	return
}

type pipe struct {
	once sync.Once
	done chan struct{}
}

type direct struct {
	p    *pipe
	send chan<- []byte
	recv <-chan []byte
}

// Send implements a method of the [pipeline.Transport] interface.
func (d direct) Send(msg *pipeline.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-d.p.done:
		return net.ErrClosed
	default:
	}
	select {
	case <-d.p.done:
		return net.ErrClosed
	case d.send <- data:
		return nil
	}
}

// Recv implements a method of the [pipeline.Transport] interface.
func (d direct) Recv() (*pipeline.Message, error) {
	select {
	case <-d.p.done:
		return nil, net.ErrClosed
	case data := <-d.recv:
		return decodeFrame(data)
	}
}

// Close implements a method of the [pipeline.Transport] interface.
func (d direct) Close() error {
	d.p.once.Do(func() { close(d.p.done) })
	return nil
}

// decodeFrame decodes a single JSON message. A malformed frame reports an
// error matching pipeline.ErrParse.
func decodeFrame(data []byte) (*pipeline.Message, error) {
	var msg pipeline.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, pipeline.Errorf(pipeline.CodeParseError, "invalid message: %v", err)
	}
	return &msg, nil
}
