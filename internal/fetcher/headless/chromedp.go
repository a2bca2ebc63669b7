// Package headless contains a fetcher that renders pages with a real
// browser before extracting metadata. Pages that hydrate their tags
// with JavaScript need it; the plain fetcher sees them empty.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/jmathers/gramscrape/internal/fetcher/pagemeta"
	"github.com/jmathers/gramscrape/internal/scrape"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// BaseURL is the site root used when a target carries only an
	// extracted identifier.
	BaseURL string
}

// Fetcher implements scrape.Fetcher using chromedp and headless
// Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.instagram.com"
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and builds the record from
// the rendered metadata.
func (f *Fetcher) Fetch(ctx context.Context, target scrape.Target, opts scrape.FetchOptions) (*scrape.Record, error) {
	pageURL, err := f.targetURL(target)
	if err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindMalformed, err)
	}

	if err := f.acquire(ctx); err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindTransient, err)
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	status := &statusWatcher{}
	chromedp.ListenTarget(taskCtx, status.captureEvent)

	var (
		metaPairs [][]string
		title     string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Title(&title),
		chromedp.Evaluate(
			`[...document.querySelectorAll('meta')].map(m => [m.getAttribute('property') || m.getAttribute('name') || '', m.getAttribute('content') || ''])`,
			&metaPairs,
		),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindTransient, fmt.Errorf("chromedp run: %w", err))
	}
	if kind, bad := classifyStatus(status.code()); bad {
		return nil, scrape.NewFetchError(kind, fmt.Errorf("document status %d", status.code()))
	}

	page := pagemeta.New()
	page.SetTitle(title)
	for _, pair := range metaPairs {
		if len(pair) == 2 && pair[0] != "" {
			page.Set(pair[0], pair[1])
		}
	}
	record, err := page.BuildRecord(target, pageURL)
	if err != nil {
		return nil, scrape.NewFetchError(scrape.ErrKindMalformed, err)
	}
	opts.Trim(record)
	return record, nil
}

func (f *Fetcher) targetURL(target scrape.Target) (string, error) {
	switch target.Kind {
	case scrape.KindPost:
		return fmt.Sprintf("%s/p/%s/", f.cfg.BaseURL, target.ID), nil
	case scrape.KindProfile:
		return fmt.Sprintf("%s/%s/", f.cfg.BaseURL, target.ID), nil
	case scrape.KindHashtag:
		return fmt.Sprintf("%s/explore/tags/%s/", f.cfg.BaseURL, target.ID), nil
	case scrape.KindPlace:
		return fmt.Sprintf("%s/explore/locations/%s/", f.cfg.BaseURL, target.ID), nil
	default:
		return "", fmt.Errorf("no url for target kind %q", target.Kind)
	}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// statusWatcher records the status of the main document response.
type statusWatcher struct {
	mu     sync.Mutex
	status int
}

func (w *statusWatcher) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	w.mu.Lock()
	w.status = int(resp.Response.Status)
	w.mu.Unlock()
}

func (w *statusWatcher) code() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func classifyStatus(status int) (scrape.ErrorKind, bool) {
	switch {
	case status == 0 || (status >= 200 && status < 400):
		return "", false
	case status == http.StatusNotFound || status == http.StatusGone:
		return scrape.ErrKindNotFound, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return scrape.ErrKindPrivate, true
	case status == http.StatusTooManyRequests:
		return scrape.ErrKindRateLimited, true
	default:
		return scrape.ErrKindTransient, true
	}
}
