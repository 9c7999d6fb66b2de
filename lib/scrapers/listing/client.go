package listing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"tradewatch-backend/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("scrapers/listing")

// StatusError is a fetch that came back with a non-2xx code. Server
// side codes and 429 are worth retrying, other client codes mean the
// request itself is wrong and repeats would change nothing.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = time.Second * 10
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = time.Second * 240
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	return p
}

type BreakerPolicy struct {
	// consecutive failures before the breaker opens
	FailureThreshold uint32
	// how long the breaker stays open before a probe request
	Recovery time.Duration
}

func (p BreakerPolicy) withDefaults() BreakerPolicy {
	if p.FailureThreshold == 0 {
		p.FailureThreshold = 10
	}
	if p.Recovery == 0 {
		p.Recovery = time.Minute
	}
	return p
}

type ClientOptions struct {
	BaseUrl string
	// requests per second against the site, 0 means 2
	RatePerSecond float64
	// 0 means 30 seconds
	Timeout time.Duration
	Retry   RetryPolicy
	Breaker BreakerPolicy
	// optional badger handle, nil disables page caching
	Cache *badger.DB
	// lifetime of cached pages, 0 means 15 minutes
	CacheTtl time.Duration
	// optional transcript dump for debugging sessions
	DebugOutput restyutil.InstrumentOutput
}

// Client fetches listing pages from one site, with rate limiting,
// exponential retry and a circuit breaker between us and the site.
type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client

	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
	cache   *pageCache
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 30
	}
	client.SetTimeout(opts.Timeout)

	ratePerSecond := opts.RatePerSecond
	if ratePerSecond == 0 {
		ratePerSecond = 2
	}
	// max burst >= rate just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(rate.Limit(ratePerSecond), max(int(ratePerSecond), 1))
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	restyutil.InstrumentClient(client, otel.Tracer("scrapers/listing/http"), opts.DebugOutput)

	breakerPolicy := opts.Breaker.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseUrl.Hostname(),
		MaxRequests: 1,
		Timeout:     breakerPolicy.Recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerPolicy.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn(
				"fetch circuit breaker changed state",
				"site", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	var cache *pageCache
	if opts.Cache != nil {
		ttl := opts.CacheTtl
		if ttl == 0 {
			ttl = time.Minute * 15
		}
		cache = &pageCache{db: opts.Cache, baseUrl: baseUrl, ttl: ttl}
	}

	return &Client{
		BaseUrl: baseUrl,
		Http:    client,
		retry:   opts.Retry.withDefaults(),
		breaker: breaker,
		cache:   cache,
	}, nil
}

// Fetch returns the body of a listing page, from cache when possible.
// An error always means the page could not be obtained, there is no
// "absent but ok" result.
func (c *Client) Fetch(ctx context.Context, pageUrl string) (string, error) {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", pageUrl))

	if c.cache != nil {
		page, err := c.cache.get(ctx, pageUrl)
		if err == nil {
			span.SetStatus(codes.Ok, "CACHE HIT")
			return string(page.Contents), nil
		}
		if err != errPageNotCached {
			span.RecordError(err)
			span.AddEvent("CACHE ERROR")
		}
	}

	body, err := c.fetchWithRetry(ctx, pageUrl)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch page")
		return "", err
	}

	if c.cache != nil {
		err = c.cache.set(ctx, pageUrl, []byte(body))
		if err != nil {
			span.RecordError(err)
			span.AddEvent("CACHE ERROR")
		}
	}

	return body, nil
}

func (c *Client) fetchWithRetry(ctx context.Context, pageUrl string) (string, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retry.InitialDelay
	policy.MaxInterval = c.retry.MaxDelay
	policy.Multiplier = c.retry.Multiplier
	policy.MaxElapsedTime = 0

	attempts := 0
	return backoff.RetryWithData(func() (string, error) {
		attempts++
		body, err := c.fetchOnce(ctx, pageUrl)
		if err == nil {
			return body, nil
		}
		if !retryable(err) || attempts >= c.retry.MaxAttempts {
			return "", backoff.Permanent(err)
		}
		slog.WarnContext(
			ctx, "retrying fetch",
			"url", pageUrl,
			"attempt", attempts,
			"err", err,
		)
		return "", err
	}, backoff.WithContext(policy, ctx))
}

func (c *Client) fetchOnce(ctx context.Context, pageUrl string) (string, error) {
	body, err := c.breaker.Execute(func() (any, error) {
		res, err := c.Http.R().
			SetContext(ctx).
			Get(pageUrl)
		if err != nil {
			return nil, err
		}
		if res.IsError() {
			return nil, &StatusError{Code: res.StatusCode()}
		}
		return res.String(), nil
	})
	if err != nil {
		return "", err
	}
	return body.(string), nil
}

func retryable(err error) bool {
	// an open breaker already waited, hammering it is pointless
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}
	// everything else is transport trouble: timeouts, resets, dns
	return true
}
