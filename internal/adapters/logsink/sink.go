// Package logsink forwards guest log records to a zerolog logger from a
// background goroutine.
package logsink

import (
	"context"
	"sync"

	"faas-executor/internal/core/functions"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func init() {
	prometheus.MustRegister(metricDropped)
}

var metricDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "faas",
		Name:      "log_records_dropped_total",
		Help:      "Guest log records dropped because the sink buffer was full.",
	})

const defaultBuffer = 1024

// Sink is a functions.LogSink. Record never blocks: when the buffer is full
// the record is dropped and counted.
type Sink struct {
	lg      zerolog.Logger
	records chan functions.LogRecord
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ functions.LogSink = (*Sink)(nil)

func New(lg zerolog.Logger, buffer int) *Sink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Sink{
		lg:      lg.With().Str("component", "guest-logs").Logger(),
		records: make(chan functions.LogRecord, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Record(r functions.LogRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		metricDropped.Inc()
		return
	}
	select {
	case s.records <- r:
	default:
		metricDropped.Inc()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for r := range s.records {
		s.write(r)
	}
}

func (s *Sink) write(r functions.LogRecord) {
	level, err := zerolog.ParseLevel(r.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	ev := s.lg.WithLevel(level).
		Str("function_id", r.FunctionID).
		Int("version", r.Version).
		Str("invocation_id", r.InvocationID)
	if !r.Timestamp.IsZero() {
		ev = ev.Time("guest_time", r.Timestamp)
	}
	if len(r.Metadata) > 0 {
		ev = ev.Interface("metadata", r.Metadata)
	}
	ev.Msg(r.Message)
}

// Close stops accepting records and waits until the buffer is drained or
// ctx ends.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.records)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
