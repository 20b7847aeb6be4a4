// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit returns hooks that admit at most r calls per second, with bursts
// of up to burst calls, across all connections served by the dispatcher.
// Calls beyond the limit fail with RATE_LIMITED without invoking the handler.
func RateLimit(r float64, burst int) Hooks {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return Hooks{
		BeforeCall: func(_ context.Context, msg *Message) error {
			if !limiter.Allow() {
				return Errorf(CodeRateLimited, "rate limit exceeded for %q", msg.Method)
			}
			return nil
		},
	}
}

// LogCalls returns hooks that log the method, duration, and outcome of each
// call using logf. If logf == nil, it uses log.Printf.
func LogCalls(logf func(string, ...any)) Hooks {
	if logf == nil {
		logf = log.Printf
	}
	var μ sync.Mutex
	start := make(map[*Message]time.Time)
	return Hooks{
		BeforeCall: func(_ context.Context, msg *Message) error {
			μ.Lock()
			defer μ.Unlock()
			start[msg] = time.Now()
			return nil
		},
		AfterCall: func(_ context.Context, msg *Message, _ any, err error) {
			μ.Lock()
			elapsed := time.Since(start[msg])
			delete(start, msg)
			μ.Unlock()
			if err != nil {
				logf("[call] %s id=%s failed after %v: %v", msg.Method, msg.ID, elapsed, err)
			} else {
				logf("[call] %s id=%s ok after %v", msg.Method, msg.ID, elapsed)
			}
		},
	}
}
