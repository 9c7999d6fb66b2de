package dataquality

import (
	"context"
	"sort"

	"tradewatch-backend/lib/textutil"
	"tradewatch-backend/services/ingest/db"

	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tradewatch.services.dataquality")

// items whose normalized names compare at or above this are suspect
const defaultThreshold = 0.92

// NearDuplicate is a pair of stored items whose names are nearly the
// same while their identity hashes differ. That usually means one real
// product is being split in two by flaky identity extraction.
type NearDuplicate struct {
	LeftHash   string
	LeftName   string
	RightHash  string
	RightName  string
	Similarity float64
}

type Service struct {
	store *db.Store
}

func NewService(store *db.Store) Service {
	return Service{store: store}
}

// ScanSite flags near-duplicate names among a site's stored items. A
// threshold <= 0 uses the default.
func (s Service) ScanSite(ctx context.Context, site string, threshold float64) ([]NearDuplicate, error) {
	ctx, span := tracer.Start(ctx, "ScanSite")
	defer span.End()
	span.SetAttributes(attribute.String("site", site))

	items, err := s.store.ListItems(ctx, site)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list items")
		return nil, err
	}

	duplicates := FindNearDuplicates(items, threshold)
	span.SetAttributes(
		attribute.Int("items", len(items)),
		attribute.Int("near_duplicates", len(duplicates)),
	)
	return duplicates, nil
}

// FindNearDuplicates compares every pair of items with distinct hashes
// and keeps the ones whose normalized names are close, most similar
// first.
func FindNearDuplicates(items []db.Item, threshold float64) []NearDuplicate {
	if threshold <= 0 {
		threshold = defaultThreshold
	}

	normalized := make([]string, len(items))
	for i, item := range items {
		normalized[i] = textutil.NormalizeName(item.Name)
	}

	var result []NearDuplicate
	for i := range items {
		for j := i + 1; j < len(items); j++ {
			if items[i].ItemHash == items[j].ItemHash {
				continue
			}
			similarity := matchr.JaroWinkler(normalized[i], normalized[j], false)
			if similarity < threshold {
				continue
			}
			result = append(result, NearDuplicate{
				LeftHash:   items[i].ItemHash,
				LeftName:   items[i].Name,
				RightHash:  items[j].ItemHash,
				RightName:  items[j].Name,
				Similarity: similarity,
			})
		}
	}

	sort.Slice(result, func(a, b int) bool {
		return result[a].Similarity > result[b].Similarity
	})
	return result
}
