package gateway

import (
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/freshbot/internal/event"
)

type Metrics struct {
	requestsTotal     atomic.Int64
	invalidSignatures atomic.Int64
	eventsTotal       atomic.Int64
	imagesTotal       atomic.Int64
	noopsTotal        atomic.Int64
	predictionsTotal  atomic.Int64
	fallbacksTotal    atomic.Int64
	replyErrorsTotal  atomic.Int64
	latencySum        atomic.Int64
	latencyCount      atomic.Int64
}

type MetricsSnapshot struct {
	Requests          int64 `json:"requests"`
	InvalidSignatures int64 `json:"invalidSignatures"`
	Events            int64 `json:"events"`
	Images            int64 `json:"images"`
	NoOps             int64 `json:"noOps"`
	Predictions       int64 `json:"predictions"`
	Fallbacks         int64 `json:"fallbacks"`
	ReplyErrors       int64 `json:"replyErrors"`
	AvgLatencyMs      int64 `json:"avgLatencyMs"`
}

func (m *Metrics) RecordRequest(duration time.Duration) {
	m.requestsTotal.Add(1)
	m.latencySum.Add(duration.Milliseconds())
	m.latencyCount.Add(1)
}

func (m *Metrics) RecordInvalidSignature() {
	m.invalidSignatures.Add(1)
}

func (m *Metrics) RecordEvent(kind event.Kind) {
	m.eventsTotal.Add(1)
	if kind == event.KindImage {
		m.imagesTotal.Add(1)
	} else {
		m.noopsTotal.Add(1)
	}
}

func (m *Metrics) RecordPrediction() {
	m.predictionsTotal.Add(1)
}

func (m *Metrics) RecordFallback() {
	m.fallbacksTotal.Add(1)
}

func (m *Metrics) RecordReplyError() {
	m.replyErrorsTotal.Add(1)
}

func (m *Metrics) GetAvgLatency() int64 {
	count := m.latencyCount.Load()
	if count == 0 {
		return 0
	}
	return m.latencySum.Load() / count
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:          m.requestsTotal.Load(),
		InvalidSignatures: m.invalidSignatures.Load(),
		Events:            m.eventsTotal.Load(),
		Images:            m.imagesTotal.Load(),
		NoOps:             m.noopsTotal.Load(),
		Predictions:       m.predictionsTotal.Load(),
		Fallbacks:         m.fallbacksTotal.Load(),
		ReplyErrors:       m.replyErrorsTotal.Load(),
		AvgLatencyMs:      m.GetAvgLatency(),
	}
}
