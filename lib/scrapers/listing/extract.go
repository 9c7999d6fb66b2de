package listing

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"

	"tradewatch-backend/lib/htmlutil"
	"tradewatch-backend/lib/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.opentelemetry.io/otel/attribute"
)

// Item is one product listing as it appears on the page, before any
// validation. Price is NaN when the page showed something that was not
// a number, the raw text is kept in Fields["price_raw"] in that case.
type Item struct {
	Hash     string
	Name     string
	Price    float64
	Currency string
	Fields   map[string]string
}

type ExtractorOptions struct {
	// matches one product card
	ItemSelector string
	// name and price, scoped inside the item node
	NameSelector  string
	PriceSelector string
	// identity comes from the data-<field> attribute on the item node
	IdentityField string
	// names to drop entirely, placeholders and such
	ExcludeNames []string
}

// Extractor walks a listing document and turns product cards into
// items, in document order.
type Extractor struct {
	identityField string
	excludeNames  []string

	itemMatcher  cascadia.Selector
	nameMatcher  cascadia.Selector
	priceMatcher cascadia.Selector
}

func NewExtractor(opts ExtractorOptions) (*Extractor, error) {
	itemMatcher, err := cascadia.Compile(opts.ItemSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid item selector %q: %w", opts.ItemSelector, err)
	}
	nameMatcher, err := cascadia.Compile(opts.NameSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid name selector %q: %w", opts.NameSelector, err)
	}
	priceMatcher, err := cascadia.Compile(opts.PriceSelector)
	if err != nil {
		return nil, fmt.Errorf("invalid price selector %q: %w", opts.PriceSelector, err)
	}
	if strings.TrimSpace(opts.IdentityField) == "" {
		return nil, fmt.Errorf("identity field is empty")
	}

	excludeNames := make([]string, 0, len(opts.ExcludeNames))
	for _, name := range opts.ExcludeNames {
		excludeNames = append(excludeNames, textutil.NormalizeName(name))
	}

	return &Extractor{
		identityField: opts.IdentityField,
		excludeNames:  excludeNames,
		itemMatcher:   itemMatcher,
		nameMatcher:   nameMatcher,
		priceMatcher:  priceMatcher,
	}, nil
}

func (e *Extractor) Extract(ctx context.Context, doc *goquery.Document) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "extractor:Extract")
	defer span.End()

	items := []Item{}
	doc.FindMatcher(e.itemMatcher).Each(func(_ int, sel *goquery.Selection) {
		fields := map[string]string{}
		if len(sel.Nodes) > 0 {
			for _, attr := range sel.Nodes[0].Attr {
				if strings.HasPrefix(attr.Key, "data-") {
					fields[strings.TrimPrefix(attr.Key, "data-")] = attr.Val
				}
			}
		}

		// data attributes win over visible text, sites that carry them
		// keep them more stable than the markup
		name := strings.TrimSpace(fields["name"])
		if name == "" {
			name = htmlutil.CleanText(sel.FindMatcher(e.nameMatcher).First().Text())
		}
		if len(e.excludeNames) > 0 && textutil.MatchName(name, e.excludeNames) {
			slog.DebugContext(ctx, "skipping excluded item", "name", name)
			return
		}

		priceText := strings.TrimSpace(fields["price"])
		if priceText == "" {
			priceText = htmlutil.CleanText(sel.FindMatcher(e.priceMatcher).First().Text())
		}
		price, currency, err := ParsePrice(priceText)
		if err != nil {
			slog.DebugContext(
				ctx, "unparseable price",
				"name", name,
				"raw", priceText,
			)
			price = math.NaN()
			fields["price_raw"] = priceText
		}

		hash := strings.TrimSpace(fields[e.identityField])
		if hash == "" && name != "" {
			hash = fallbackHash(name)
		}

		items = append(items, Item{
			Hash:     hash,
			Name:     name,
			Price:    price,
			Currency: currency,
			Fields:   fields,
		})
	})

	span.SetAttributes(attribute.Int("items", len(items)))
	return items, nil
}

// fallbackHash gives items without an explicit identity attribute a
// stable hash derived from the normalized name.
func fallbackHash(name string) string {
	sum := md5.Sum([]byte(textutil.NormalizeName(name)))
	return hex.EncodeToString(sum[:])
}

// NextUrl resolves the pagination link matched by selector against
// base. It returns "" when the document has no next page.
func NextUrl(ctx context.Context, doc *goquery.Document, selector string, base *url.URL) (string, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return "", fmt.Errorf("invalid pagination selector %q: %w", selector, err)
	}
	sel := doc.FindMatcher(matcher).First()
	if sel.Length() == 0 {
		return "", nil
	}
	anchors := htmlutil.GetAnchors(ctx, sel, base)
	if len(anchors) == 0 {
		return "", nil
	}
	return anchors[0].Href, nil
}
