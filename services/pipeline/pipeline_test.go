package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradewatch-backend/services/alerting"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	items []Item
	err   error
}

func (s stubExtractor) Extract(ctx context.Context, doc *goquery.Document) ([]Item, error) {
	return s.items, s.err
}

type recordingSink struct {
	events []alerting.Event
}

func (s *recordingSink) Send(ctx context.Context, event alerting.Event) error {
	s.events = append(s.events, event)
	return nil
}

type brokenSink struct{}

func (brokenSink) Send(ctx context.Context, event alerting.Event) error {
	return errors.New("sink offline")
}

func testConfig() Config {
	return Config{
		RequiredSelectors: []string{"div.product-grid", "div.product"},
		IdentityField:     "hash",
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	return ctx
}

func TestNewPipelineConfig(t *testing.T) {
	testCases := []struct {
		name      string
		config    Config
		extractor Extractor
		ok        bool
	}{
		{name: "valid", config: testConfig(), extractor: stubExtractor{}, ok: true},
		{
			name:      "no selectors",
			config:    Config{IdentityField: "hash"},
			extractor: stubExtractor{},
			ok:        false,
		},
		{
			name: "blank identity field",
			config: Config{
				RequiredSelectors: []string{"div.product"},
				IdentityField:     "   ",
			},
			extractor: stubExtractor{},
			ok:        false,
		},
		{name: "nil extractor", config: testConfig(), extractor: nil, ok: false},
	}

	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewPipeline(test.config, test.extractor, nil)
			if test.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestRunStructuralFailure(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPipeline(testConfig(), stubExtractor{
		items: []Item{{Hash: "never", Name: "never", Price: 1}},
	}, sink)
	require.NoError(t, err)

	out, err := p.Run(testContext(t), `<html><body><p>nothing here</p></body></html>`)

	var structural *StructuralError
	require.ErrorAs(t, err, &structural)
	require.Equal(t, []string{"div.product-grid", "div.product"}, structural.Missing)
	require.Empty(t, out.Accepted)
	require.Empty(t, out.Rejections)

	require.Len(t, sink.events, 1)
	require.Equal(t, alerting.SeverityError, sink.events[0].Severity)
	require.Equal(t, "div.product-grid, div.product", sink.events[0].Context["missing_selectors"])
}

func TestRunPartialMissingSelector(t *testing.T) {
	config := testConfig()
	config.RequiredSelectors = append(config.RequiredSelectors, "nav.pagination", "aside.filters")

	p, err := NewPipeline(config, stubExtractor{}, &recordingSink{})
	require.NoError(t, err)

	_, err = p.Run(testContext(t), listingPage)

	var structural *StructuralError
	require.ErrorAs(t, err, &structural)
	require.Equal(t, []string{"aside.filters"}, structural.Missing)
}

func TestRunMixedBatch(t *testing.T) {
	items := []Item{
		{Hash: "h1", Name: "Walnut Desk", Price: 120},
		{Hash: "h2", Name: "Freebie", Price: 0},
		{Hash: "h3", Name: "Oak Chair", Price: 45.50},
	}
	sink := &recordingSink{}
	p, err := NewPipeline(testConfig(), stubExtractor{items: items}, sink)
	require.NoError(t, err)

	out, err := p.Run(testContext(t), listingPage)
	require.NoError(t, err)

	diff := cmp.Diff([]Item{items[0], items[2]}, out.Accepted)
	if diff != "" {
		t.Fatal(diff)
	}
	require.Len(t, out.Rejections, 1)
	require.Equal(t, 1, out.Rejections[0].Index)
	require.Equal(t, "Freebie", out.Rejections[0].Item.Name)

	var priceErr *PriceError
	require.ErrorAs(t, out.Rejections[0].Reason, &priceErr)
	require.Equal(t, float64(0), priceErr.Value)

	require.Empty(t, sink.events)
}

func TestRunDuplicatePair(t *testing.T) {
	first := Item{Hash: "h1", Name: "Walnut Desk", Price: 120}
	items := []Item{
		first,
		{Hash: "h2", Name: "Oak Chair", Price: 45.50},
		{Hash: "h1", Name: "Walnut Desk", Price: 120},
	}
	p, err := NewPipeline(testConfig(), stubExtractor{items: items}, &recordingSink{})
	require.NoError(t, err)

	out, err := p.Run(testContext(t), listingPage)
	require.NoError(t, err)
	require.Len(t, out.Accepted, 2)
	require.Equal(t, first, out.Accepted[0])
	require.Equal(t, 1, out.Duplicates)
	require.Empty(t, out.Rejections)
}

func TestRunIdentityFailure(t *testing.T) {
	items := []Item{
		{Hash: "h1", Name: "Walnut Desk", Price: 120},
		{Name: "Mystery Item", Price: 10},
	}
	sink := &recordingSink{}
	p, err := NewPipeline(testConfig(), stubExtractor{items: items}, sink)
	require.NoError(t, err)

	out, err := p.Run(testContext(t), listingPage)

	var identity *IdentityError
	require.ErrorAs(t, err, &identity)
	require.Equal(t, 1, identity.Index)
	require.Empty(t, out.Accepted)

	require.Len(t, sink.events, 1)
	require.Equal(t, alerting.SeverityError, sink.events[0].Severity)
	require.Equal(t, "1", sink.events[0].Context["index"])
}

func TestRunExtractionFailure(t *testing.T) {
	sink := &recordingSink{}
	p, err := NewPipeline(testConfig(), stubExtractor{err: errors.New("markup drifted")}, sink)
	require.NoError(t, err)

	_, err = p.Run(testContext(t), listingPage)
	require.Error(t, err)
	require.Len(t, sink.events, 1)
}

func TestRunBrokenSinkDoesNotAbort(t *testing.T) {
	items := []Item{{Hash: "h1", Name: "Walnut Desk", Price: 120}}
	p, err := NewPipeline(testConfig(), stubExtractor{items: items}, brokenSink{})
	require.NoError(t, err)

	out, err := p.Run(testContext(t), listingPage)
	require.NoError(t, err)
	require.Len(t, out.Accepted, 1)

	// a document failure still surfaces as its own error, not the sink's
	_, err = p.Run(testContext(t), `<html></html>`)
	var structural *StructuralError
	require.ErrorAs(t, err, &structural)
}

func TestRunRejectionBurstAlert(t *testing.T) {
	config := testConfig()
	config.RejectionAlertThreshold = 2

	items := []Item{
		{Hash: "h1", Name: "ok", Price: 10},
		{Hash: "h2", Name: "bad 1", Price: 0},
		{Hash: "h3", Name: "bad 2", Price: -1},
	}
	sink := &recordingSink{}
	p, err := NewPipeline(config, stubExtractor{items: items}, sink)
	require.NoError(t, err)

	out, err := p.Run(testContext(t), listingPage)
	require.NoError(t, err)
	require.Len(t, out.Accepted, 1)
	require.Len(t, out.Rejections, 2)

	require.Len(t, sink.events, 1)
	require.Equal(t, alerting.SeverityWarning, sink.events[0].Severity)
	require.Equal(t, "2", sink.events[0].Context["rejected"])
}
