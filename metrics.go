// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package pipeline

import (
	"expvar"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// latencyWindow is the number of recent round trips averaged by the
// call_latency_ms metric.
const latencyWindow = 32

// metrics record client and dispatcher activity counters.
type metrics struct {
	msgRecv     expvar.Int
	msgSent     expvar.Int
	msgDropped  expvar.Int
	callIn      expvar.Int // number of inbound calls received
	callInErr   expvar.Int // number of inbound calls reporting an error
	callOut     expvar.Int // number of outbound calls initiated
	callOutErr  expvar.Int // number of outbound calls reporting an error
	cancelIn    expvar.Int // number of cancellations received
	callActive  expvar.Int // inbound
	callPending expvar.Int // outbound
	timeouts    expvar.Int
	callbacks   expvar.Int // registered callbacks, all registries

	latμ    sync.Mutex
	latency *movingaverage.MovingAverage

	emap *expvar.Map
}

var rootMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{
		emap:    new(expvar.Map),
		latency: movingaverage.New(latencyWindow),
	}
	m.emap.Set("messages_received", &m.msgRecv)
	m.emap.Set("messages_sent", &m.msgSent)
	m.emap.Set("messages_dropped", &m.msgDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("cancels_in", &m.cancelIn)
	m.emap.Set("timeouts", &m.timeouts)
	m.emap.Set("callbacks_registered", &m.callbacks)
	m.emap.Set("call_latency_ms", expvar.Func(func() any {
		m.latμ.Lock()
		defer m.latμ.Unlock()
		return m.latency.Avg()
	}))
	return m
}

// observeLatency records the duration of a successful round trip.
func (m *metrics) observeLatency(d time.Duration) {
	m.latμ.Lock()
	defer m.latμ.Unlock()
	m.latency.Add(float64(d/time.Microsecond) / 1000.0)
}

// Metrics returns the metrics map shared by all clients and dispatchers. It is
// safe for the caller to add additional metrics to the map.
func Metrics() *expvar.Map { return rootMetrics.emap }
