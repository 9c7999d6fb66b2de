package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradewatch-backend/lib/testutil"
	"tradewatch-backend/services/alerting"
	"tradewatch-backend/services/ingest/db"
	"tradewatch-backend/services/pipeline"

	"github.com/stretchr/testify/require"
)

const pageOne = `
<html><body>
<div class="product-grid">
	<div class="product" data-sku="SKU-001"><span class="name">Widget Alpha</span><span class="price">$19.99</span></div>
	<div class="product" data-sku="SKU-002"><span class="name">Widget Beta</span><span class="price">$24.50</span></div>
</div>
<a class="next" href="/catalog?page=2">Next</a>
</body></html>`

const pageTwo = `
<html><body>
<div class="product-grid">
	<div class="product" data-sku="SKU-003"><span class="name">Widget Gamma</span><span class="price">$31.00</span></div>
	<div class="product" data-sku="SKU-004"><span class="name">Widget Delta</span><span class="price">$0.00</span></div>
</div>
</body></html>`

const pageNoGrid = `
<html><body><main><p>We moved!</p></main></body></html>`

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	err      error
	requests []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, url)
	if f.err != nil {
		return "", f.err
	}
	html, ok := f.pages[url]
	if !ok {
		return "", fmt.Errorf("no such page %q", url)
	}
	return html, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (s *captureSink) Send(ctx context.Context, event alerting.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) all() []alerting.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alerting.Event{}, s.events...)
}

func testSiteConfig() SiteConfig {
	return SiteConfig{
		Name:               "example-store",
		Url:                "https://shop.example.com/catalog",
		ItemSelector:       "div.product",
		NameSelector:       "span.name",
		PriceSelector:      "span.price",
		PaginationSelector: "a.next",
		Pipeline: pipeline.Config{
			RequiredSelectors: []string{"div.product-grid", "div.product"},
			IdentityField:     "sku",
		},
	}
}

func storePages() map[string]string {
	return map[string]string{
		"https://shop.example.com/catalog":        pageOne,
		"https://shop.example.com/catalog?page=2": pageTwo,
	}
}

func setupIngest(t *testing.T) (*Service, *captureSink) {
	res, cleanup := testutil.SetupService(t, testutil.ServiceParams{
		Name:     "ingest",
		DbSchema: db.Schema,
	})
	t.Cleanup(cleanup)

	events := &captureSink{}
	service, err := NewService(ServiceOptions{
		DB:       res.DB,
		Events:   events,
		StateDir: t.TempDir(),
	})
	require.NoError(t, err)
	return service, events
}

func TestScrapeSite(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: storePages()}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	report, err := service.ScrapeSite(ctx, "example-store")
	require.NoError(t, err)
	require.Equal(t, 2, report.Pages)
	require.Equal(t, 4, report.Extracted)
	require.Equal(t, 3, report.Accepted)
	require.Equal(t, 1, report.Rejected)
	require.NotEmpty(t, report.RunId)
	require.False(t, report.Resumed)

	items, err := service.Store().ListItems(ctx, "example-store")
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, "Widget Alpha", items[0].Name)
	require.Equal(t, "SKU-001", items[0].ItemHash)
	require.Equal(t, 19.99, items[0].Price)
	require.Equal(t, "USD", items[0].Currency)
	require.Equal(t, int64(1), items[0].TimesSeen)

	var fields map[string]string
	require.NoError(t, json.Unmarshal([]byte(items[0].Fields), &fields))
	require.Equal(t, "SKU-001", fields["sku"])
	require.Equal(t, "USD", fields["currency"])

	runs, err := service.Store().RecentRuns(ctx, "example-store", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, db.RunStatusCompleted, runs[0].Status)
	require.Equal(t, int64(3), runs[0].ItemsCount)
	require.True(t, runs[0].CompletedAt.Valid)

	// the zero price rejection shows up as one aggregated warning
	counts, err := service.Store().CountFailuresSince(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Warning)
	require.Equal(t, int64(1), counts.Total)

	_, resumable := service.checkpoints.load("example-store")
	require.False(t, resumable)
}

func TestScrapeSiteTwiceBumpsTimesSeen(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: storePages()}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	ctx := context.Background()
	_, err := service.ScrapeSite(ctx, "example-store")
	require.NoError(t, err)
	_, err = service.ScrapeSite(ctx, "example-store")
	require.NoError(t, err)

	items, err := service.Store().ListItems(ctx, "example-store")
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		require.Equal(t, int64(2), item.TimesSeen)
		require.GreaterOrEqual(t, item.LastSeenAt, item.FirstSeenAt)
	}
}

func TestScrapeSiteFetchFailure(t *testing.T) {
	service, events := setupIngest(t)
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	ctx := context.Background()
	report, err := service.ScrapeSite(ctx, "example-store")
	require.Error(t, err)

	runs, err := service.Store().RecentRuns(ctx, "example-store", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, db.RunStatusFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "connection refused")

	counts, err := service.Store().CountFailuresSince(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Error)

	var critical *alerting.Event
	for _, event := range events.all() {
		if event.Severity == alerting.SeverityCritical {
			critical = &event
			break
		}
	}
	require.NotNil(t, critical)
	require.Equal(t, "scrape run failed", critical.Message)
	require.Equal(t, report.RunId, critical.Context["run_id"])

	// the failed run leaves a resume point behind
	checkpoint, resumable := service.checkpoints.load("example-store")
	require.True(t, resumable)
	require.Equal(t, 1, checkpoint.RetryCount)
	require.Equal(t, "https://shop.example.com/catalog", checkpoint.Url)
}

func TestScrapeSiteStructuralFailure(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: map[string]string{
		"https://shop.example.com/catalog": pageNoGrid,
	}}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	ctx := context.Background()
	_, err := service.ScrapeSite(ctx, "example-store")
	require.Error(t, err)

	var structural *pipeline.StructuralError
	require.ErrorAs(t, err, &structural)
	require.Equal(t, []string{"div.product-grid", "div.product"}, structural.Missing)

	counts, err := service.Store().CountFailuresSince(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Critical)
}

func TestScrapeSiteResumesFromCheckpoint(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: storePages()}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	require.NoError(t, service.checkpoints.save("example-store", Checkpoint{
		Url:       "https://shop.example.com/catalog?page=2",
		Page:      2,
		Timestamp: time.Now(),
	}))

	ctx := context.Background()
	report, err := service.ScrapeSite(ctx, "example-store")
	require.NoError(t, err)
	require.True(t, report.Resumed)
	require.Equal(t, 1, report.Pages)
	require.Equal(t, []string{"https://shop.example.com/catalog?page=2"}, fetcher.requests)
}

func TestScrapeSiteDiscardsWornOutCheckpoint(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: storePages()}
	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))

	require.NoError(t, service.checkpoints.save("example-store", Checkpoint{
		Url:        "https://shop.example.com/catalog?page=2",
		Page:       2,
		RetryCount: maxCheckpointRetries,
		Timestamp:  time.Now(),
	}))

	ctx := context.Background()
	report, err := service.ScrapeSite(ctx, "example-store")
	require.NoError(t, err)
	require.False(t, report.Resumed)
	require.Equal(t, 2, report.Pages)
}

func TestScrapeAll(t *testing.T) {
	service, _ := setupIngest(t)

	healthy := testSiteConfig()
	require.NoError(t, service.AddSite(healthy, &fakeFetcher{pages: storePages()}))

	broken := testSiteConfig()
	broken.Name = "broken-store"
	broken.Url = "https://down.example.com/catalog"
	require.NoError(t, service.AddSite(broken, &fakeFetcher{err: errors.New("timeout")}))

	ctx := context.Background()
	err := service.ScrapeAll(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2 sites failed")

	items, err := service.Store().ListItems(ctx, "example-store")
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestAddSiteValidation(t *testing.T) {
	service, _ := setupIngest(t)
	fetcher := &fakeFetcher{pages: storePages()}

	config := testSiteConfig()
	config.Name = ""
	require.Error(t, service.AddSite(config, fetcher))

	config = testSiteConfig()
	config.Pipeline.RequiredSelectors = nil
	require.Error(t, service.AddSite(config, fetcher))

	config = testSiteConfig()
	config.Pipeline.IdentityField = ""
	require.Error(t, service.AddSite(config, fetcher))

	require.NoError(t, service.AddSite(testSiteConfig(), fetcher))
	require.Error(t, service.AddSite(testSiteConfig(), fetcher))
}

func TestScrapeSiteUnknown(t *testing.T) {
	service, _ := setupIngest(t)
	_, err := service.ScrapeSite(context.Background(), "nowhere")
	require.Error(t, err)
}
