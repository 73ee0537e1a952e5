// Package collyfetch implements the page fetcher using gocolly with a
// token-bucket request-rate ceiling.
package collyfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Config controls collector behavior and the request-rate ceiling.
type Config struct {
	// BaseURL is the listing root; list pages append the page query.
	BaseURL string
	// ListQuery is the query parameter carrying the physical page number.
	ListQuery string
	UserAgent string
	Timeout   time.Duration

	// RequestsPerSecond caps the sustained request rate; zero means
	// unlimited. Burst below 1 is raised to 1.
	RequestsPerSecond float64
	Burst             int
}

// Fetcher implements crawl.PageFetcher using the Colly collector. Every
// request first waits on the shared rate limiter, so list and detail
// traffic together honor the configured ceiling.
type Fetcher struct {
	cfg           Config
	limiter       *rate.Limiter
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.ListQuery == "" {
		cfg.ListQuery = "page"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		limiter:       rate.NewLimiter(limit, burst),
		baseCollector: c,
	}
}

// ListURL renders the URL of one physical listing page.
func (f *Fetcher) ListURL(page int) string {
	return fmt.Sprintf("%s?%s=%d", f.cfg.BaseURL, f.cfg.ListQuery, page)
}

// FetchList retrieves one listing page.
func (f *Fetcher) FetchList(ctx context.Context, page int) (string, error) {
	return f.fetch(ctx, f.ListURL(page))
}

// FetchDetail retrieves one product detail page.
func (f *Fetcher) FetchDetail(ctx context.Context, url string) (string, error) {
	return f.fetch(ctx, url)
}

func (f *Fetcher) fetch(ctx context.Context, url string) (string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return "", crawl.WrapError(crawl.KindCancelled, "rate limit wait", err)
	}

	var (
		body       []byte
		statusCode int
		fetchErr   error
	)
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, url); err != nil {
		return "", err
	}
	if fetchErr != nil {
		return "", classify(url, statusCode, fetchErr)
	}
	if statusCode >= 300 {
		return "", classify(url, statusCode, fmt.Errorf("unexpected status %d", statusCode))
	}
	return string(body), nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return crawl.WrapError(crawl.KindCancelled, "fetch canceled", ctx.Err())
	case err := <-done:
		if err != nil {
			return classify(url, 0, err)
		}
		return nil
	}
}

// classify maps a transport or HTTP failure onto the crawl error taxonomy:
// timeouts and status failures must stay distinguishable for retry policy.
func classify(url string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return crawl.WrapError(crawl.KindRateLimited, fmt.Sprintf("fetch %s: status %d", url, status), err)
	case status >= 300:
		return crawl.WrapError(crawl.KindNetworkConnection, fmt.Sprintf("fetch %s: status %d", url, status), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return crawl.WrapError(crawl.KindNetworkTimeout, fmt.Sprintf("fetch %s: timeout", url), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return crawl.WrapError(crawl.KindNetworkTimeout, fmt.Sprintf("fetch %s: timeout", url), err)
	}
	return crawl.WrapError(crawl.KindNetworkConnection, fmt.Sprintf("fetch %s", url), err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
