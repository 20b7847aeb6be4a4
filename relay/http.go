// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
)

// Handler returns an HTTP handler that relays POSTed requests through r. The
// body is a JSON Request, and the origin is taken from the Origin header. The
// reply is a JSON array of Response values, one per call, in the order the
// calls completed.
//
// A request from an origin that is not allowed gets HTTP 403 and no body.
func Handler(r *Relay) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		origin := req.Header.Get("Origin")
		if !r.Allowed(origin) {
			r.logf("[relay] rejected HTTP request from origin %q", origin)
			w.WriteHeader(http.StatusForbidden)
			return
		}

		var rr Request
		if err := json.NewDecoder(req.Body).Decode(&rr); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		col := &collector{ready: make(chan struct{}, 1)}
		if err := r.Post(req.Context(), col, origin, rr); errors.Is(err, ErrOriginRejected) {
			w.WriteHeader(http.StatusForbidden)
			return
		} else if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		want := 0
		for _, c := range rr.Calls {
			if c != nil {
				want++
			}
		}
		for col.len() < want {
			select {
			case <-col.ready:
			case <-req.Context().Done():
				return
			}
		}

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(col.responses())
	})
}

// collector is a Source that accumulates the responses for one request.
type collector struct {
	ready chan struct{}

	μ    sync.Mutex
	rsps []Response
}

func (c *collector) PostMessage(v any, _ string) error {
	c.μ.Lock()
	c.rsps = append(c.rsps, v.(Response))
	c.μ.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.rsps)
}

func (c *collector) responses() []Response {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.rsps
}
