package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"tradewatch-backend/lib/restyutil"
	"tradewatch-backend/lib/scrapers/listing"
	"tradewatch-backend/services/alerting"
	"tradewatch-backend/services/ingest/db"
	"tradewatch-backend/services/pipeline"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("tradewatch.services.ingest")

// a checkpoint that keeps failing this many resumes gets thrown away
const maxCheckpointRetries = 3

// Fetcher obtains the raw html of one listing page. An error means the
// page could not be had at all, an empty document is not an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

type SiteConfig struct {
	Name string `json:"name" yaml:"name"`
	Url  string `json:"url" yaml:"url"`
	// cron expression, empty means manual scrapes only
	Schedule string `json:"schedule" yaml:"schedule"`

	ItemSelector       string   `json:"item_selector" yaml:"item_selector"`
	NameSelector       string   `json:"name_selector" yaml:"name_selector"`
	PriceSelector      string   `json:"price_selector" yaml:"price_selector"`
	PaginationSelector string   `json:"pagination_selector" yaml:"pagination_selector"`
	MaxPages           int      `json:"max_pages" yaml:"max_pages"`
	ExcludeNames       []string `json:"exclude_names" yaml:"exclude_names"`
	RatePerSecond      float64  `json:"rate_per_second" yaml:"rate_per_second"`

	Pipeline pipeline.Config `json:"pipeline" yaml:"pipeline"`
}

type SitesFile struct {
	Sites []SiteConfig `json:"sites" yaml:"sites"`
}

type site struct {
	config   SiteConfig
	fetcher  Fetcher
	pipeline *pipeline.Pipeline
	baseUrl  *url.URL
}

type ServiceOptions struct {
	DB     *sql.DB
	Events alerting.Sink
	// directory for crash-resume checkpoints, "" disables them
	StateDir string
	// parallel sites during ScrapeAll, 0 means 4
	Concurrency int
	// shared page cache, nil disables it
	Cache    *badger.DB
	CacheTtl time.Duration
	// receives raw http transcripts for debugging, nil disables it
	DebugOutput restyutil.InstrumentOutput
}

type Service struct {
	store       *db.Store
	events      alerting.Sink
	checkpoints checkpointStore
	concurrency int

	cache       *badger.DB
	cacheTtl    time.Duration
	debugOutput restyutil.InstrumentOutput

	sites []*site
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.DB == nil {
		return nil, errors.New("ingest: database handle is nil")
	}
	events := opts.Events
	if events == nil {
		events = alerting.SlogSink{}
	}
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = 4
	}
	return &Service{
		store:       db.New(opts.DB),
		events:      events,
		checkpoints: checkpointStore{dir: opts.StateDir},
		concurrency: concurrency,
		cache:       opts.Cache,
		cacheTtl:    opts.CacheTtl,
		debugOutput: opts.DebugOutput,
	}, nil
}

// Store exposes the persistence layer to read paths like the CLI and
// the health checks.
func (s *Service) Store() *db.Store {
	return s.store
}

func (s *Service) Sites() []SiteConfig {
	configs := make([]SiteConfig, 0, len(s.sites))
	for _, target := range s.sites {
		configs = append(configs, target.config)
	}
	return configs
}

// RegisterSites builds a fetch client for every profile and adds it to
// the service. A broken profile fails here, before anything is
// fetched on its behalf.
func (s *Service) RegisterSites(configs []SiteConfig) error {
	for _, config := range configs {
		client, err := listing.NewClient(listing.ClientOptions{
			BaseUrl:       config.Url,
			RatePerSecond: config.RatePerSecond,
			Cache:         s.cache,
			CacheTtl:      s.cacheTtl,
			DebugOutput:   s.debugOutput,
		})
		if err != nil {
			return fmt.Errorf("site %q: %w", config.Name, err)
		}
		err = s.AddSite(config, client)
		if err != nil {
			return err
		}
	}
	return nil
}

// AddSite wires one site profile with an explicit fetcher.
func (s *Service) AddSite(config SiteConfig, fetcher Fetcher) error {
	if strings.TrimSpace(config.Name) == "" {
		return errors.New("site profile has no name")
	}
	if strings.TrimSpace(config.Url) == "" {
		return fmt.Errorf("site %q: url is empty", config.Name)
	}
	if fetcher == nil {
		return fmt.Errorf("site %q: fetcher is nil", config.Name)
	}
	for _, existing := range s.sites {
		if existing.config.Name == config.Name {
			return fmt.Errorf("site %q: registered twice", config.Name)
		}
	}
	baseUrl, err := url.Parse(config.Url)
	if err != nil {
		return fmt.Errorf("site %q: %w", config.Name, err)
	}

	extractor, err := listing.NewExtractor(listing.ExtractorOptions{
		ItemSelector:  config.ItemSelector,
		NameSelector:  config.NameSelector,
		PriceSelector: config.PriceSelector,
		IdentityField: config.Pipeline.IdentityField,
		ExcludeNames:  config.ExcludeNames,
	})
	if err != nil {
		return fmt.Errorf("site %q: %w", config.Name, err)
	}

	events := alerting.WithSource(s.events, config.Name)
	pipe, err := pipeline.NewPipeline(config.Pipeline, documentExtractor{inner: extractor}, events)
	if err != nil {
		return fmt.Errorf("site %q: %w", config.Name, err)
	}

	s.sites = append(s.sites, &site{
		config:   config,
		fetcher:  fetcher,
		pipeline: pipe,
		baseUrl:  baseUrl,
	})
	return nil
}

type RunReport struct {
	RunId      string
	Site       string
	Pages      int
	Extracted  int
	Accepted   int
	Rejected   int
	Duplicates int
	Resumed    bool
}

// ScrapeSite runs one full scrape of a registered site: fetch every
// page, push each one through the pipeline, persist what survives.
// The run is bookkept in scrape_runs either way, and a failed run
// leaves a checkpoint behind so the next attempt resumes mid-site.
func (s *Service) ScrapeSite(ctx context.Context, name string) (RunReport, error) {
	ctx, span := tracer.Start(ctx, "ScrapeSite")
	defer span.End()
	span.SetAttributes(attribute.String("site", name))

	var target *site
	for _, registered := range s.sites {
		if registered.config.Name == name {
			target = registered
			break
		}
	}
	if target == nil {
		return RunReport{}, fmt.Errorf("unknown site %q", name)
	}

	report := RunReport{
		RunId: uuid.NewString(),
		Site:  name,
	}
	err := s.store.CreateRun(ctx, report.RunId, name, time.Now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create run")
		return report, fmt.Errorf("create run: %w", err)
	}

	pageUrl := target.config.Url
	pageNum := 1
	retryCount := 0
	if checkpoint, ok := s.checkpoints.load(name); ok {
		if checkpoint.RetryCount >= maxCheckpointRetries {
			slog.WarnContext(ctx, "checkpoint failed too often, starting over", "site", name)
			s.checkpoints.clear(name)
		} else if checkpoint.Url != "" {
			pageUrl = checkpoint.Url
			pageNum = checkpoint.Page
			retryCount = checkpoint.RetryCount
			report.Resumed = true
			slog.InfoContext(
				ctx, "resuming from checkpoint",
				"site", name,
				"url", pageUrl,
				"page", pageNum,
			)
		}
	}

	runErr := func() error {
		for pageUrl != "" {
			if target.config.MaxPages > 0 && pageNum > target.config.MaxPages {
				break
			}

			html, err := target.fetcher.Fetch(ctx, pageUrl)
			if err != nil {
				s.recordFailure(ctx, report, db.FailureLevelError, fmt.Sprintf("fetch %s: %v", pageUrl, err))
				return fmt.Errorf("fetch %s: %w", pageUrl, err)
			}

			outcome, err := target.pipeline.Run(ctx, html)
			if err != nil {
				s.recordFailure(ctx, report, db.FailureLevelCritical, fmt.Sprintf("process %s: %v", pageUrl, err))
				return fmt.Errorf("process %s: %w", pageUrl, err)
			}

			report.Pages++
			report.Extracted += len(outcome.Accepted) + len(outcome.Rejections) + outcome.Duplicates
			report.Accepted += len(outcome.Accepted)
			report.Rejected += len(outcome.Rejections)
			report.Duplicates += outcome.Duplicates

			err = s.store.UpsertItems(ctx, name, time.Now().Unix(), toItemParams(outcome.Accepted))
			if err != nil {
				s.recordFailure(ctx, report, db.FailureLevelError, fmt.Sprintf("persist items: %v", err))
				return fmt.Errorf("persist items: %w", err)
			}

			next := ""
			if target.config.PaginationSelector != "" {
				doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
				if err != nil {
					return fmt.Errorf("reparse page for pagination: %w", err)
				}
				next, err = listing.NextUrl(ctx, doc, target.config.PaginationSelector, target.baseUrl)
				if err != nil {
					s.recordFailure(ctx, report, db.FailureLevelError, fmt.Sprintf("pagination: %v", err))
					return fmt.Errorf("pagination: %w", err)
				}
			}

			pageUrl = next
			pageNum++
			if pageUrl != "" {
				err = s.checkpoints.save(name, Checkpoint{
					Url:            pageUrl,
					Page:           pageNum,
					ItemsProcessed: report.Accepted,
					RetryCount:     retryCount,
					Timestamp:      time.Now(),
				})
				if err != nil {
					slog.WarnContext(ctx, "failed to save checkpoint", "site", name, "err", err)
				}
			}
		}
		return nil
	}()

	if runErr != nil {
		err := s.checkpoints.save(name, Checkpoint{
			Url:            pageUrl,
			Page:           pageNum,
			ItemsProcessed: report.Accepted,
			RetryCount:     retryCount + 1,
			Timestamp:      time.Now(),
		})
		if err != nil {
			slog.WarnContext(ctx, "failed to save checkpoint", "site", name, "err", err)
		}
		err = s.store.FailRun(ctx, report.RunId, runErr.Error(), time.Now().Unix())
		if err != nil {
			slog.WarnContext(ctx, "failed to mark run as failed", "site", name, "err", err)
		}
		s.emit(ctx, alerting.Event{
			Severity: alerting.SeverityCritical,
			Message:  "scrape run failed",
			Context: map[string]string{
				"site":   name,
				"run_id": report.RunId,
				"error":  runErr.Error(),
			},
		})
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "scrape run failed")
		return report, runErr
	}

	if report.Rejected > 0 {
		s.recordFailure(
			ctx, report, db.FailureLevelWarning,
			fmt.Sprintf("%d of %d items failed validation", report.Rejected, report.Extracted),
		)
	}
	err = s.store.CompleteRun(ctx, report.RunId, int64(report.Accepted), time.Now().Unix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete run")
		return report, fmt.Errorf("complete run: %w", err)
	}
	s.checkpoints.clear(name)

	span.SetAttributes(
		attribute.Int("pages", report.Pages),
		attribute.Int("accepted", report.Accepted),
		attribute.Int("rejected", report.Rejected),
		attribute.Int("duplicates", report.Duplicates),
	)
	slog.InfoContext(
		ctx, "scrape run completed",
		"site", name,
		"pages", report.Pages,
		"accepted", report.Accepted,
		"rejected", report.Rejected,
		"duplicates", report.Duplicates,
	)
	return report, nil
}

// ScrapeAll runs every registered site, a few in parallel. One site
// failing never stops the others, the error only summarizes at the
// end.
func (s *Service) ScrapeAll(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "ScrapeAll")
	defer span.End()

	var failed atomic.Int64
	group := &errgroup.Group{}
	group.SetLimit(s.concurrency)
	for _, target := range s.sites {
		target := target
		group.Go(func() error {
			_, err := s.ScrapeSite(ctx, target.config.Name)
			if err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	if n := failed.Load(); n > 0 {
		err := fmt.Errorf("%d of %d sites failed", n, len(s.sites))
		span.RecordError(err)
		span.SetStatus(codes.Error, "some sites failed")
		return err
	}
	return nil
}

// Schedule registers every site that carries a cron expression.
func (s *Service) Schedule(scheduler *Scheduler) error {
	for _, target := range s.sites {
		if target.config.Schedule == "" {
			continue
		}
		name := target.config.Name
		err := scheduler.Add(target.config.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute*30)
			defer cancel()
			_, err := s.ScrapeSite(ctx, name)
			if err != nil {
				slog.Error("scheduled scrape failed", "site", name, "err", err)
			}
		})
		if err != nil {
			return fmt.Errorf("site %q: invalid schedule %q: %w", name, target.config.Schedule, err)
		}
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, report RunReport, level, message string) {
	err := s.store.RecordFailure(ctx, db.FailureParams{
		RunId:   report.RunId,
		Site:    report.Site,
		Level:   level,
		Message: message,
	}, time.Now().Unix())
	if err != nil {
		slog.WarnContext(ctx, "failed to record scrape failure", "site", report.Site, "err", err)
	}
}

func (s *Service) emit(ctx context.Context, event alerting.Event) {
	err := s.events.Send(ctx, event)
	if err != nil {
		slog.WarnContext(ctx, "failed to deliver event", "err", err)
	}
}

func toItemParams(items []pipeline.Item) []db.ItemParams {
	params := make([]db.ItemParams, 0, len(items))
	for _, item := range items {
		params = append(params, db.ItemParams{
			Hash:     item.Hash,
			Name:     item.Name,
			Price:    item.Price,
			Currency: item.Fields["currency"],
			Fields:   item.Fields,
		})
	}
	return params
}
