package alerting

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []Event
}

func (s *captureSink) Send(ctx context.Context, event Event) error {
	s.events = append(s.events, event)
	return nil
}

type offlineSink struct{}

func (offlineSink) Send(ctx context.Context, event Event) error {
	return errors.New("sink offline")
}

func TestMultiSinkAttemptsEverySink(t *testing.T) {
	first := &captureSink{}
	second := &captureSink{}
	multi := MultiSink{first, offlineSink{}, second}

	event := Event{Severity: SeverityError, Message: "scrape failed"}
	err := multi.Send(context.Background(), event)

	require.Error(t, err)
	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
}

func TestWithMinSeverity(t *testing.T) {
	inner := &captureSink{}
	sink := WithMinSeverity(inner, SeverityError)

	require.NoError(t, sink.Send(context.Background(), Event{Severity: SeverityInfo, Message: "run finished"}))
	require.NoError(t, sink.Send(context.Background(), Event{Severity: SeverityWarning, Message: "slow response"}))
	require.NoError(t, sink.Send(context.Background(), Event{Severity: SeverityError, Message: "scrape failed"}))
	require.NoError(t, sink.Send(context.Background(), Event{Severity: SeverityCritical, Message: "db gone"}))

	require.Len(t, inner.events, 2)
	require.Equal(t, "scrape failed", inner.events[0].Message)
	require.Equal(t, "db gone", inner.events[1].Message)
}

func TestWithSource(t *testing.T) {
	inner := &captureSink{}
	sink := WithSource(inner, "example-store")

	err := sink.Send(context.Background(), Event{Severity: SeverityInfo, Message: "run finished"})
	require.NoError(t, err)
	require.Equal(t, "example-store", inner.events[0].Context["source"])

	// an explicit source wins over the sink label
	err = sink.Send(context.Background(), Event{
		Severity: SeverityInfo,
		Message:  "run finished",
		Context:  map[string]string{"source": "other-store"},
	})
	require.NoError(t, err)
	require.Equal(t, "other-store", inner.events[1].Context["source"])
}

func TestSlogSinkNeverFails(t *testing.T) {
	sink := SlogSink{}
	for _, severity := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		err := sink.Send(context.Background(), Event{
			Severity: severity,
			Message:  "event",
			Context:  map[string]string{"site": "example-store"},
		})
		require.NoError(t, err)
	}
}
