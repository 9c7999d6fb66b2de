package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tradewatch-backend/services/ingest/db"

	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("tradewatch.services.health")

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var statusRank = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

const (
	idleAfter              = time.Hour * 24
	maxConsecutiveFailures = 3
	degradedFailureTotal   = 5
	recentFailureWindow    = time.Hour * 24
)

type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

type Report struct {
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

type Service struct {
	db    *sql.DB
	store *db.Store
	sites []string
}

func NewService(database *sql.DB, sites []string) Service {
	return Service{
		db:    database,
		store: db.New(database),
		sites: sites,
	}
}

// Check runs every probe, reduces them to an overall status and
// records the result in health_checks. The worst individual status
// wins.
func (s Service) Check(ctx context.Context) (Report, error) {
	ctx, span := tracer.Start(ctx, "Check")
	defer span.End()

	now := time.Now()
	checks := []Check{s.checkDatabase(ctx)}
	checks = append(checks, s.checkScrapers(ctx, now)...)
	checks = append(checks, s.checkFailures(ctx, now))
	checks = append(checks, s.checkProcess(ctx))

	overall := StatusHealthy
	for _, check := range checks {
		if statusRank[check.Status] > statusRank[overall] {
			overall = check.Status
		}
	}

	report := Report{
		Status:    overall,
		Checks:    checks,
		CheckedAt: now,
	}

	detail, err := json.Marshal(checks)
	if err == nil {
		err = s.store.RecordHealthCheck(ctx, string(overall), string(detail), now.Unix())
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to record health check", "err", err)
	}

	span.SetAttributes(attribute.String("status", string(overall)))
	if overall == StatusUnhealthy {
		span.SetStatus(codes.Error, "unhealthy")
	}
	return report, nil
}

func (s Service) checkDatabase(ctx context.Context) Check {
	start := time.Now()
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	if err != nil {
		return Check{
			Name:   "database",
			Status: StatusUnhealthy,
			Detail: err.Error(),
		}
	}
	return Check{
		Name:   "database",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("responded in %dms", time.Since(start).Milliseconds()),
	}
}

func (s Service) checkScrapers(ctx context.Context, now time.Time) []Check {
	checks := make([]Check, 0, len(s.sites))
	for _, site := range s.sites {
		checks = append(checks, s.checkScraper(ctx, site, now))
	}
	return checks
}

func (s Service) checkScraper(ctx context.Context, site string, now time.Time) Check {
	name := "scraper:" + site

	runs, err := s.store.RecentRuns(ctx, site, maxConsecutiveFailures+1)
	if err != nil {
		return Check{Name: name, Status: StatusUnhealthy, Detail: err.Error()}
	}
	if len(runs) == 0 {
		return Check{
			Name:   name,
			Status: StatusDegraded,
			Detail: "no runs recorded",
		}
	}

	consecutiveFailed := 0
	for _, run := range runs {
		if run.Status != db.RunStatusFailed {
			break
		}
		consecutiveFailed++
	}
	if consecutiveFailed >= maxConsecutiveFailures {
		return Check{
			Name:   name,
			Status: StatusUnhealthy,
			Detail: fmt.Sprintf("%d consecutive failed runs", consecutiveFailed),
		}
	}

	idle := now.Sub(time.Unix(runs[0].StartedAt, 0))
	if idle > idleAfter {
		return Check{
			Name:   name,
			Status: StatusDegraded,
			Detail: fmt.Sprintf("idle for %dh", int(idle.Hours())),
		}
	}

	return Check{
		Name:   name,
		Status: StatusHealthy,
		Detail: fmt.Sprintf("last run %s", runs[0].Status),
	}
}

func (s Service) checkFailures(ctx context.Context, now time.Time) Check {
	counts, err := s.store.CountFailuresSince(ctx, now.Add(-recentFailureWindow).Unix())
	if err != nil {
		return Check{Name: "failures", Status: StatusUnhealthy, Detail: err.Error()}
	}

	detail := fmt.Sprintf(
		"last 24h: %d critical, %d error, %d warning",
		counts.Critical, counts.Error, counts.Warning,
	)
	switch {
	case counts.Critical > 0:
		return Check{Name: "failures", Status: StatusUnhealthy, Detail: detail}
	case counts.Total > degradedFailureTotal:
		return Check{Name: "failures", Status: StatusDegraded, Detail: detail}
	}
	return Check{Name: "failures", Status: StatusHealthy, Detail: detail}
}

// checkProcess is informational, host pressure shows up in the detail
// but never flips the service status on its own.
func (s Service) checkProcess(ctx context.Context) Check {
	stats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Check{
			Name:   "process",
			Status: StatusHealthy,
			Detail: fmt.Sprintf("memory stats unavailable: %v", err),
		}
	}
	return Check{
		Name:   "process",
		Status: StatusHealthy,
		Detail: fmt.Sprintf("system memory %.0f%% used", stats.UsedPercent),
	}
}
