package ingest

import (
	"context"

	"tradewatch-backend/lib/scrapers/listing"
	"tradewatch-backend/services/pipeline"

	"github.com/PuerkitoBio/goquery"
)

// documentExtractor adapts the listing extractor to the item shape the
// pipeline works on. Currency travels in the open field map, the
// pipeline itself never looks at it.
type documentExtractor struct {
	inner *listing.Extractor
}

func (e documentExtractor) Extract(ctx context.Context, doc *goquery.Document) ([]pipeline.Item, error) {
	scraped, err := e.inner.Extract(ctx, doc)
	if err != nil {
		return nil, err
	}
	return toPipelineItems(scraped), nil
}

func toPipelineItems(scraped []listing.Item) []pipeline.Item {
	items := make([]pipeline.Item, 0, len(scraped))
	for _, s := range scraped {
		fields := make(map[string]string, len(s.Fields)+1)
		for key, value := range s.Fields {
			fields[key] = value
		}
		if s.Currency != "" {
			fields["currency"] = s.Currency
		}
		items = append(items, pipeline.Item{
			Hash:   s.Hash,
			Name:   s.Name,
			Price:  s.Price,
			Fields: fields,
		})
	}
	return items
}
