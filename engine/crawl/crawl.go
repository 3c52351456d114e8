// Package crawl discovers documentation pages breadth-first from a seed URL,
// staying on the seed's host, and normalizes each page into a content unit
// ready for ingestion.
package crawl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/libroai/libro/engine/domain"
	"github.com/libroai/libro/engine/normalize"
	"github.com/libroai/libro/pkg/fn"
)

// maxBodyBytes caps how much of a page is read. Documentation pages are
// small; anything larger is not worth chunking.
const maxBodyBytes = 2 << 20

// Options configures a crawl.
type Options struct {
	MaxPages     int
	RatePerSec   float64
	FetchTimeout time.Duration
	UserAgent    string

	// OnSkip, if set, is called for each discovered page that failed to
	// fetch or normalize. A failing seed is an error, not a skip, and a
	// page that normalizes to nothing is not reported.
	OnSkip func(pageURL string, err error)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxPages:     100,
		RatePerSec:   2,
		FetchTimeout: 15 * time.Second,
		UserAgent:    "libro-crawler/1.0",
	}
}

// Crawler fetches pages politely: rate limited, bounded, same host only.
type Crawler struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger
}

// New creates a Crawler. A nil client uses http.DefaultClient.
func New(client *http.Client, opts Options, log *slog.Logger) *Crawler {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultOptions().RatePerSec
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions().FetchTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}
	if log == nil {
		log = slog.Default()
	}
	return &Crawler{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		opts:    opts,
		log:     log,
	}
}

// Crawl walks the site breadth-first from seed and returns the normalized
// content units. A failing seed is an error; failures on discovered pages
// are logged and skipped so one bad page never sinks the crawl.
func (c *Crawler) Crawl(ctx context.Context, seed string) ([]domain.ContentUnit, error) {
	if err := domain.ValidateSourceURL(seed); err != nil {
		return nil, err
	}
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("crawl: parse seed: %w", err)
	}

	queue := []string{seedURL.String()}
	visited := map[string]bool{seedURL.String(): true}
	var units []domain.ContentUnit
	fetched := 0

	for len(queue) > 0 && fetched < c.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return units, err
		}
		pageURL := queue[0]
		queue = queue[1:]

		if err := c.limiter.Wait(ctx); err != nil {
			return units, err
		}

		rawHTML, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			if fetched == 0 && pageURL == seedURL.String() {
				return nil, fmt.Errorf("crawl: seed %s: %w", pageURL, err)
			}
			c.log.Warn("crawl: page skipped", "url", pageURL, "error", err)
			c.skip(pageURL, err)
			continue
		}
		fetched++

		unit, err := normalize.Page(rawHTML, pageURL, time.Now().UTC())
		if err != nil {
			c.log.Warn("crawl: normalize failed", "url", pageURL, "error", err)
			c.skip(pageURL, err)
		} else if strings.TrimSpace(unit.RawText) == "" {
			c.log.Debug("crawl: empty page", "url", pageURL)
		} else {
			units = append(units, unit)
		}

		for _, link := range extractLinks(rawHTML, mustParse(pageURL)) {
			if !visited[link] {
				visited[link] = true
				queue = append(queue, link)
			}
		}
	}

	c.log.Info("crawl finished", "seed", seed, "fetched", fetched, "units", len(units))
	return units, nil
}

func (c *Crawler) skip(pageURL string, err error) {
	if c.opts.OnSkip != nil {
		c.opts.OnSkip(pageURL, err)
	}
}

// fetchPage retrieves one HTML page. Non-200 statuses and non-HTML content
// are errors so the caller can skip the page.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, domain.ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrTransient)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return "", fmt.Errorf("content type %s", ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// extractLinks returns the unique absolute same-host http(s) links found in
// the page, fragments stripped.
func extractLinks(rawHTML string, base *url.URL) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Host != base.Host || (abs.Scheme != "http" && abs.Scheme != "https") {
			return
		}
		abs.Fragment = ""
		links = append(links, abs.String())
	})
	return fn.Unique(links)
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
