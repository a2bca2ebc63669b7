// Package collyfetcher implements the page fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jmathers/gramscrape/internal/fetcher/pagemeta"
	"github.com/jmathers/gramscrape/internal/scrape"
)

const defaultBaseURL = "https://www.instagram.com"

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// BaseURL is the site root used when a target carries only an
	// extracted identifier. Overridable for tests.
	BaseURL string
}

// Fetcher retrieves public pages with a Colly collector and extracts
// typed records from their metadata.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	client        *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.IgnoreRobotsTxt = true

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Fetch loads the target's page and builds its record. Failures come
// back as *scrape.FetchError classifying whether a retry can help.
func (f *Fetcher) Fetch(ctx context.Context, target scrape.Target, opts scrape.FetchOptions) (*scrape.Record, error) {
	pageURL, err := f.targetURL(target)
	if err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindMalformed, err)
	}

	page := pagemeta.New()
	var (
		statusCode int
		fetchErr   error
	)

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnHTML("meta", func(e *colly.HTMLElement) {
		key := e.Attr("property")
		if key == "" {
			key = e.Attr("name")
		}
		if key != "" {
			page.Set(key, e.Attr("content"))
		}
	})
	collector.OnHTML("title", func(e *colly.HTMLElement) {
		page.SetTitle(e.Text)
	})
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return nil, scrape.NewFetchError(scrape.ErrKindTransient, ctx.Err())
	case err := <-done:
		if err != nil && fetchErr == nil {
			fetchErr = err
		}
	}

	if fetchErr != nil {
		return nil, classify(statusCode, fetchErr)
	}
	record, err := page.BuildRecord(target, pageURL)
	if err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindMalformed, err)
	}
	opts.Trim(record)
	return record, nil
}

// FetchBytes downloads a media asset body.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media fetch: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	return body, nil
}

// targetURL resolves the page to load: the raw URL when it is already
// absolute, otherwise the canonical path for the extracted identifier.
func (f *Fetcher) targetURL(target scrape.Target) (string, error) {
	if u, err := url.Parse(target.Raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return target.Raw, nil
	}
	base := strings.TrimRight(f.cfg.BaseURL, "/")
	switch target.Kind {
	case scrape.KindPost:
		return fmt.Sprintf("%s/p/%s/", base, target.ID), nil
	case scrape.KindProfile:
		return fmt.Sprintf("%s/%s/", base, target.ID), nil
	case scrape.KindHashtag:
		return fmt.Sprintf("%s/explore/tags/%s/", base, target.ID), nil
	case scrape.KindPlace:
		return fmt.Sprintf("%s/explore/locations/%s/", base, target.ID), nil
	default:
		return "", fmt.Errorf("no url for target kind %q", target.Kind)
	}
}

// classify maps an HTTP status or transport failure to an error kind.
func classify(status int, err error) *scrape.FetchError {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return scrape.NewFetchError(scrape.ErrKindNotFound, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scrape.NewFetchError(scrape.ErrKindPrivate, err)
	case status == http.StatusTooManyRequests:
		return scrape.NewFetchError(scrape.ErrKindRateLimited, err)
	case status >= 500:
		return scrape.NewFetchError(scrape.ErrKindTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scrape.NewFetchError(scrape.ErrKindTransient, err)
	}
	return scrape.NewFetchError(scrape.ErrKindTransient, err)
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
