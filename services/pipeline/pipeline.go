package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"tradewatch-backend/services/alerting"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tradewatch.services.pipeline")

// Item is one scraped record. Hash is its identity across scrapes,
// Fields keeps any extra attributes extraction picked up that the
// pipeline itself never inspects.
type Item struct {
	Hash   string
	Name   string
	Price  float64
	Fields map[string]string
}

// Rejection records a single item that failed validation, along with
// its position in the extracted batch.
type Rejection struct {
	Index  int
	Item   Item
	Reason error
}

// Outcome is what a successfully processed document reduces to:
// accepted items in extraction order, the full rejection log, and how
// many duplicates were silently dropped.
type Outcome struct {
	Accepted   []Item
	Rejections []Rejection
	Duplicates int
}

// Extractor turns a structurally validated document into items. It is
// only invoked after the selector check passed.
type Extractor interface {
	Extract(ctx context.Context, doc *goquery.Document) ([]Item, error)
}

type Config struct {
	RequiredSelectors []string `json:"required_selectors" yaml:"required_selectors"`
	IdentityField     string   `json:"identity_field" yaml:"identity_field"`
	// emit a warning event when one document racks up this many
	// rejections, 0 disables the alert
	RejectionAlertThreshold int `json:"rejection_alert_threshold" yaml:"rejection_alert_threshold"`
}

// Pipeline validates, extracts and deduplicates one document at a
// time. A single value is safe for concurrent Run calls.
type Pipeline struct {
	config    Config
	selectors SelectorSet
	extractor Extractor
	events    alerting.Sink
}

// NewPipeline rejects an unusable config outright so nothing is ever
// fetched on behalf of one. A nil events sink falls back to slog.
func NewPipeline(config Config, extractor Extractor, events alerting.Sink) (*Pipeline, error) {
	selectors, err := CompileSelectors(config.RequiredSelectors)
	if err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if strings.TrimSpace(config.IdentityField) == "" {
		return nil, errors.New("pipeline config: identity field is empty")
	}
	if extractor == nil {
		return nil, errors.New("pipeline config: extractor is nil")
	}
	if events == nil {
		events = alerting.SlogSink{}
	}

	return &Pipeline{
		config:    config,
		selectors: selectors,
		extractor: extractor,
		events:    events,
	}, nil
}

// Run processes one raw html document. A (zero Outcome, non-nil error)
// return means the document as a whole was rejected: the error is a
// *StructuralError, an *IdentityError, or a wrapped extraction
// failure. A nil error always carries the complete outcome, including
// every per-item rejection.
func (p *Pipeline) Run(ctx context.Context, rawHtml string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHtml))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse html")
		return Outcome{}, fmt.Errorf("parse document: %w", err)
	}

	err = p.selectors.Validate(doc)
	if err != nil {
		var structural *StructuralError
		if errors.As(err, &structural) {
			p.emit(ctx, alerting.Event{
				Severity: alerting.SeverityError,
				Message:  "document failed structural validation",
				Context: map[string]string{
					"missing_selectors": strings.Join(structural.Missing, ", "),
				},
			})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "structural validation failed")
		return Outcome{}, err
	}

	items, err := p.extractor.Extract(ctx, doc)
	if err != nil {
		p.emit(ctx, alerting.Event{
			Severity: alerting.SeverityError,
			Message:  "item extraction failed",
			Context:  map[string]string{"error": err.Error()},
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return Outcome{}, fmt.Errorf("extract items: %w", err)
	}

	valid := make([]Item, 0, len(items))
	var rejections []Rejection
	for i, item := range items {
		err := ValidatePrice(item.Price)
		if err != nil {
			rejections = append(rejections, Rejection{
				Index:  i,
				Item:   item,
				Reason: err,
			})
			slog.DebugContext(
				ctx, "rejected item",
				"index", i,
				"name", item.Name,
				"err", err,
			)
			continue
		}
		valid = append(valid, item)
	}

	unique, err := Deduplicate(valid)
	if err != nil {
		var identity *IdentityError
		if errors.As(err, &identity) {
			p.emit(ctx, alerting.Event{
				Severity: alerting.SeverityError,
				Message:  "deduplication aborted on item without identity",
				Context:  map[string]string{"index": strconv.Itoa(identity.Index)},
			})
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "deduplication failed")
		return Outcome{}, err
	}

	if p.config.RejectionAlertThreshold > 0 && len(rejections) >= p.config.RejectionAlertThreshold {
		p.emit(ctx, alerting.Event{
			Severity: alerting.SeverityWarning,
			Message:  "document produced a burst of item rejections",
			Context: map[string]string{
				"rejected":  strconv.Itoa(len(rejections)),
				"extracted": strconv.Itoa(len(items)),
			},
		})
	}

	span.SetAttributes(
		attribute.Int("extracted", len(items)),
		attribute.Int("accepted", len(unique)),
		attribute.Int("rejected", len(rejections)),
		attribute.Int("duplicates", len(valid)-len(unique)),
	)
	return Outcome{
		Accepted:   unique,
		Rejections: rejections,
		Duplicates: len(valid) - len(unique),
	}, nil
}

// emit delivers an event without ever letting sink trouble interrupt
// document processing.
func (p *Pipeline) emit(ctx context.Context, event alerting.Event) {
	err := p.events.Send(ctx, event)
	if err != nil {
		slog.WarnContext(ctx, "failed to deliver pipeline event", "err", err)
	}
}
