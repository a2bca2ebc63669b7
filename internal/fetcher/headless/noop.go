package headless

import (
	"context"
	"errors"

	"github.com/jmathers/gramscrape/internal/scrape"
)

// Noop implements scrape.Fetcher but always returns an error to
// indicate that headless browsing is not available in the current
// build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(_ context.Context, _ scrape.Target, _ scrape.FetchOptions) (*scrape.Record, error) {
	return nil, scrape.NewFetchError(scrape.ErrKindTransient, errors.New("headless fetcher not configured"))
}
