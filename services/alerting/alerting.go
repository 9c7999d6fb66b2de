package alerting

import (
	"context"
	"errors"
	"log/slog"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Event is the unit everything alert-worthy gets reported as. Context
// carries freeform labels like the site name or missing selectors.
type Event struct {
	Severity Severity
	Message  string
	Context  map[string]string
}

// Sink delivers events somewhere. Implementations return an error when
// delivery fails but callers are expected to treat that as a logging
// concern, never as a reason to stop processing.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

// SlogSink writes events to the default slog logger.
type SlogSink struct{}

func (SlogSink) Send(ctx context.Context, event Event) error {
	attrs := make([]any, 0, len(event.Context)*2+2)
	attrs = append(attrs, "severity", string(event.Severity))
	for k, v := range event.Context {
		attrs = append(attrs, k, v)
	}

	switch event.Severity {
	case SeverityWarning:
		slog.WarnContext(ctx, event.Message, attrs...)
	case SeverityError, SeverityCritical:
		slog.ErrorContext(ctx, event.Message, attrs...)
	default:
		slog.InfoContext(ctx, event.Message, attrs...)
	}
	return nil
}

// MultiSink fans an event out to every sink, attempting all of them
// even when some fail.
type MultiSink []Sink

func (s MultiSink) Send(ctx context.Context, event Event) error {
	var errlist []error
	for _, sink := range s {
		err := sink.Send(ctx, event)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	return errors.Join(errlist...)
}

type sourceSink struct {
	inner  Sink
	source string
}

// WithSource stamps a source label into the context of every event
// passing through the sink.
func WithSource(sink Sink, source string) Sink {
	return sourceSink{inner: sink, source: source}
}

func (s sourceSink) Send(ctx context.Context, event Event) error {
	labeled := make(map[string]string, len(event.Context)+1)
	for k, v := range event.Context {
		labeled[k] = v
	}
	if _, set := labeled["source"]; !set {
		labeled["source"] = s.source
	}
	event.Context = labeled
	return s.inner.Send(ctx, event)
}

type minSeveritySink struct {
	inner Sink
	min   Severity
}

// WithMinSeverity drops events below the given severity before they
// reach the sink.
func WithMinSeverity(sink Sink, min Severity) Sink {
	return minSeveritySink{inner: sink, min: min}
}

func (s minSeveritySink) Send(ctx context.Context, event Event) error {
	if severityRank[event.Severity] < severityRank[s.min] {
		return nil
	}
	return s.inner.Send(ctx, event)
}
