// Package telemetry records fire-and-forget relay events. Recording never
// blocks the caller and failures never reach the data path.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/aura-relay/pkg/logger"
)

// Event names emitted by the realtime relay
const (
	SessionStart           = "realtime.session.start"
	SessionEnd             = "realtime.session.end"
	TranscriptionDelta     = "realtime.transcription.delta"
	TranscriptionCompleted = "realtime.transcription.completed"
	TranscriptionFailed    = "realtime.transcription.failed"
	BufferCommitted        = "realtime.buffer.committed"
	ModelFallback          = "realtime.model.fallback"
)

// Event is one telemetry record
type Event struct {
	Name       string
	SessionID  string
	Provider   string
	Model      string
	Source     string
	Time       time.Time
	Attributes map[string]any
}

// Recorder accepts events
type Recorder interface {
	Record(ev Event)
}

// Noop discards every event
type Noop struct{}

func (Noop) Record(Event) {}

// LogSink writes events as structured log lines
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink logging at info level under "telemetry"
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.Named("telemetry")}
}

func (s *LogSink) Record(ev Event) {
	fields := []logger.Field{
		logger.String("session_id", ev.SessionID),
		logger.String("provider", ev.Provider),
		logger.String("model", ev.Model),
		logger.Time("at", ev.Time),
	}
	if ev.Source != "" {
		fields = append(fields, logger.String("source", ev.Source))
	}
	if len(ev.Attributes) > 0 {
		fields = append(fields, logger.Any("attributes", ev.Attributes))
	}
	s.logger.Info(ev.Name, fields...)
}

// Async forwards events to an inner recorder from a single goroutine.
// Events are dropped when the buffer is full.
type Async struct {
	inner   Recorder
	ch      chan Event
	dropped atomic.Int64

	mu     sync.RWMutex // guards closed and sends on ch
	closed bool
	done   chan struct{}
}

// NewAsync starts the forwarding goroutine
func NewAsync(inner Recorder, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		inner: inner,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// Record enqueues ev without blocking
func (a *Async) Record(ev Event) {
	if a == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded on a full buffer
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to drain
func (a *Async) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) loop() {
	defer close(a.done)
	for ev := range a.ch {
		a.record(ev)
	}
}

// record isolates sink panics from the forwarding loop
func (a *Async) record(ev Event) {
	defer func() { _ = recover() }()
	a.inner.Record(ev)
}
