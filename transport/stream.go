// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/creachadair/pipeline"
)

// MaxFrameBytes is the largest message a stream transport will read.
const MaxFrameBytes = 16 << 20

// Stream constructs a transport that exchanges newline-delimited JSON messages
// over rwc. Closing the transport closes rwc.
func Stream(rwc io.ReadWriteCloser) *StreamTransport { return IO(rwc, rwc) }

// IO constructs a transport that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) *StreamTransport {
	// N.B. The bufio package will reuse existing buffers if possible.
	return &StreamTransport{r: bufio.NewReaderSize(r, 64<<10), w: bufio.NewWriter(wc), c: wc}
}

// A StreamTransport sends and receives messages on a reader and a writer, one
// JSON message per line.
type StreamTransport struct {
	r *bufio.Reader

	μ sync.Mutex
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [pipeline.Transport] interface.
func (s *StreamTransport) Send(msg *pipeline.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv implements a method of the [pipeline.Transport] interface. Blank lines
// are skipped.
func (s *StreamTransport) Recv() (*pipeline.Message, error) {
	for {
		line, err := readLine(s.r)
		if err != nil {
			return nil, err
		}
		if line = bytes.TrimSpace(line); len(line) != 0 {
			return decodeFrame(line)
		}
	}
}

// Close implements a method of the [pipeline.Transport] interface.
func (s *StreamTransport) Close() error { return s.c.Close() }

// readLine reads a complete line from r, including the terminator. A line
// longer than MaxFrameBytes is discarded and reported as a parse error.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	overflow := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			if len(buf)+len(chunk) > MaxFrameBytes {
				overflow, buf = true, nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		} else if overflow {
			if err == nil {
				return nil, pipeline.Errorf(pipeline.CodeParseError, "message exceeds %d bytes", MaxFrameBytes)
			}
			return nil, err
		} else if err == io.EOF && len(buf) != 0 {
			return buf, nil
		}
		return buf, err
	}
}
