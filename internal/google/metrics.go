package google

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contactmirror_google_requests_total",
		Help: "Directory API requests issued.",
	})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contactmirror_google_retries_total",
		Help: "Directory API requests retried after a retryable response.",
	})
	rateLimitHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contactmirror_google_rate_limit_hits_total",
		Help: "Quota responses (429 or 403 RESOURCE_EXHAUSTED) observed.",
	})
	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contactmirror_google_pages_total",
		Help: "Paginated list pages fetched from the directory API.",
	})
)

// Counters is a per-call snapshot of directory client activity, carried via
// context so the dry-run surface can report what a single request cost.
// Process-wide totals go to prometheus regardless.
type Counters struct {
	Requests      atomic.Int64
	Retries       atomic.Int64
	RateLimitHits atomic.Int64
	Pages         atomic.Int64
}

// Snapshot returns the current values as a plain map for JSON responses.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"requests":        c.Requests.Load(),
		"retries":         c.Retries.Load(),
		"rate_limit_hits": c.RateLimitHits.Load(),
		"pages":           c.Pages.Load(),
	}
}

type countersKey struct{}

// WithCounters attaches a fresh Counters to ctx and returns both.
func WithCounters(ctx context.Context) (context.Context, *Counters) {
	c := &Counters{}
	return context.WithValue(ctx, countersKey{}, c), c
}

func countersFrom(ctx context.Context) *Counters {
	c, _ := ctx.Value(countersKey{}).(*Counters)
	return c
}

func countRequest(ctx context.Context) {
	requestsTotal.Inc()
	if c := countersFrom(ctx); c != nil {
		c.Requests.Add(1)
	}
}

func countRetry(ctx context.Context) {
	retriesTotal.Inc()
	if c := countersFrom(ctx); c != nil {
		c.Retries.Add(1)
	}
}

func countRateLimitHit(ctx context.Context) {
	rateLimitHitsTotal.Inc()
	if c := countersFrom(ctx); c != nil {
		c.RateLimitHits.Add(1)
	}
}

func countPage(ctx context.Context) {
	pagesTotal.Inc()
	if c := countersFrom(ctx); c != nil {
		c.Pages.Add(1)
	}
}
