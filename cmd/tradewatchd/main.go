package main

import (
	"flag"
	"log/slog"
	"time"

	"tradewatch-backend/lib/configutil"
	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/lib/sqliteutil"
	"tradewatch-backend/services/alerting"
	"tradewatch-backend/services/ingest"
	ingestdb "tradewatch-backend/services/ingest/db"

	"github.com/dgraph-io/badger/v4"
)

type AlertsConfig struct {
	Webhook alerting.WebhookConfig `json:"webhook"`
	Email   alerting.EmailConfig   `json:"email"`
	// events below this severity stay in the logs only
	MinSeverity string `json:"min_severity"`
}

type Config struct {
	Database sqliteutil.Config `json:"database"`
	// defaults to sites.yaml next to config.json5
	SitesFile string `json:"sites_file"`
	StateDir  string `json:"state_dir"`
	// "" disables the page cache
	CacheDir        string       `json:"cache_dir"`
	CacheTtlMinutes int          `json:"cache_ttl_minutes"`
	Concurrency     int          `json:"concurrency"`
	ScrapeOnStart   bool         `json:"scrape_on_start"`
	Alerts          AlertsConfig `json:"alerts"`
}

func buildSinks(cfg AlertsConfig) alerting.Sink {
	wrap := func(sink alerting.Sink) alerting.Sink {
		if cfg.MinSeverity == "" {
			return sink
		}
		return alerting.WithMinSeverity(sink, alerting.Severity(cfg.MinSeverity))
	}

	sinks := alerting.MultiSink{alerting.SlogSink{}}
	if cfg.Webhook.Url != "" {
		sinks = append(sinks, wrap(alerting.NewWebhookSink(cfg.Webhook)))
	}
	if len(cfg.Email.Recipients) > 0 {
		sinks = append(sinks, wrap(alerting.NewEmailSink(cfg.Email)))
	}
	return sinks
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	shutdownTelemetry := InitTelemetry(ctx, *verbose)
	defer shutdownTelemetry()

	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	sitesFile := cfg.SitesFile
	if sitesFile == "" {
		sitesFile = "sites.yaml"
	}
	sites, err := configutil.ReadConfig[ingest.SitesFile](sitesFile)
	if err != nil {
		serviceutil.Fatal("read site profiles", err)
	}

	database, err := cfg.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("open database", err)
	}
	defer database.Close()
	err = sqliteutil.ApplySchema(database, ingestdb.Schema)
	if err != nil {
		serviceutil.Fatal("apply schema", err)
	}

	var cache *badger.DB
	if cfg.CacheDir != "" {
		cache, err = badger.Open(badger.DefaultOptions(cfg.CacheDir))
		if err != nil {
			serviceutil.Fatal("open page cache", err)
		}
		defer cache.Close()
	}

	service, err := ingest.NewService(ingest.ServiceOptions{
		DB:          database,
		Events:      buildSinks(cfg.Alerts),
		StateDir:    cfg.StateDir,
		Concurrency: cfg.Concurrency,
		Cache:       cache,
		CacheTtl:    time.Duration(cfg.CacheTtlMinutes) * time.Minute,
	})
	if err != nil {
		serviceutil.Fatal("init ingest service", err)
	}
	err = service.RegisterSites(sites.Sites)
	if err != nil {
		serviceutil.Fatal("register sites", err)
	}

	scheduler := ingest.NewScheduler()
	err = service.Schedule(scheduler)
	if err != nil {
		serviceutil.Fatal("schedule sites", err)
	}
	scheduler.Start()
	slog.Info("tradewatchd started", "sites", len(sites.Sites))

	if cfg.ScrapeOnStart {
		go func() {
			err := service.ScrapeAll(ctx)
			if err != nil {
				slog.Error("initial scrape", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down, waiting for running scrapes")
	<-scheduler.Stop().Done()
}
