// Package collyfetcher implements corpus.ContentFetcher with gocolly: URL
// enumeration (sitemaps, feeds, same-site crawl), asynchronous fetch
// batches and single-page refetches, all run through the extractor.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/extract"
	"github.com/JakeFAU/sitecorpus/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// MaxDepth bounds the enumeration crawl from the seed.
	MaxDepth int `mapstructure:"max_depth"`
	// MaxURLs caps how many URLs one enumeration returns.
	MaxURLs int `mapstructure:"max_urls"`
	// Parallelism bounds concurrent requests per batch and per crawl.
	Parallelism int `mapstructure:"parallelism"`
	// FeedPaths are probed below the seed host for RSS/Atom feeds.
	FeedPaths []string `mapstructure:"feed_paths"`
	// BatchTimeout bounds a whole fetch batch running in the background.
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "sitecorpus/1.0 (+https://github.com/JakeFAU/sitecorpus)"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	if c.MaxURLs <= 0 {
		c.MaxURLs = 500
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.FeedPaths == nil {
		c.FeedPaths = []string{"/feed", "/rss.xml", "/atom.xml", "/index.xml"}
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Minute
	}
	return c
}

// Hooks receive fetch telemetry. Nil fields are skipped.
type Hooks struct {
	OnFetch          func(status int, d time.Duration)
	OnRobotsFallback func()
}

// Fetcher implements corpus.ContentFetcher.
type Fetcher struct {
	cfg       Config
	logger    *zap.Logger
	transport http.RoundTripper
	limiter   *ratelimit.Limiter
	extractor *extract.Extractor
	ids       corpus.IDGenerator
	hooks     Hooks

	mu      sync.Mutex
	batches map[string]*batch
}

var _ corpus.ContentFetcher = (*Fetcher)(nil)

// New builds a Fetcher. limiter may be nil.
func New(
	cfg Config,
	logger *zap.Logger,
	extractor *extract.Extractor,
	limiter *ratelimit.Limiter,
	ids corpus.IDGenerator,
	hooks Hooks,
) *Fetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		cfg:       cfg,
		logger:    logger.Named("fetcher"),
		transport: &robotsAwareTransport{base: newHTTPTransport(), onFallback: hooks.OnRobotsFallback},
		limiter:   limiter,
		extractor: extractor,
		ids:       ids,
		hooks:     hooks,
		batches:   make(map[string]*batch),
	}
}

// FetchOne fetches and extracts a single URL. Any HTTP response, including
// 404 and 410, yields a result carrying its status; only transport failures
// return an error.
func (f *Fetcher) FetchOne(ctx context.Context, url string) (corpus.FetchResult, error) {
	return f.fetch(ctx, url)
}

type rawResponse struct {
	url         string
	status      int
	contentType string
	body        []byte
}

func (f *Fetcher) fetch(ctx context.Context, url string) (corpus.FetchResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return corpus.FetchResult{}, err
		}
	}
	start := time.Now()
	raw, err := f.get(ctx, url)
	if f.hooks.OnFetch != nil {
		f.hooks.OnFetch(raw.status, time.Since(start))
	}
	if err != nil {
		return corpus.FetchResult{}, err
	}

	result := corpus.FetchResult{URL: url, HTTPStatus: raw.status}
	if raw.status < 200 || raw.status >= 300 || !isHTML(raw.contentType, raw.body) {
		return result, nil
	}
	doc, err := f.extractor.Extract(raw.url, raw.body)
	if err != nil {
		f.logger.Warn("extract failed", zap.String("url", url), zap.Error(err))
		return result, nil
	}
	result.Text = doc.Text
	result.Title = doc.Title
	result.Description = doc.Description
	result.Language = doc.Language
	result.ClientRendered = doc.ClientRendered
	if doc.ClientRendered {
		f.logger.Debug("page looks client-rendered", zap.String("url", url), zap.Int("text_len", len(doc.Text)))
	}
	return result, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (rawResponse, error) {
	collector := f.newCollector(ctx)
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true

	var (
		raw      rawResponse
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		raw = rawResponse{
			url:         r.Request.URL.String(),
			status:      r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			body:        append([]byte(nil), r.Body...),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			raw.status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return rawResponse{}, fmt.Errorf("fetch %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			if errors.Is(err, colly.ErrRobotsTxtBlocked) {
				return rawResponse{}, fmt.Errorf("fetch %s: %w: %v", url, corpus.ErrPermanent, err)
			}
			return rawResponse{}, fmt.Errorf("fetch %s: %w: %v", url, corpus.ErrTransient, err)
		}
		return raw, nil
	}
}

// newCollector returns a collector with its own visited set so repeated
// enumerations and refetches of the same site start clean.
func (f *Fetcher) newCollector(ctx context.Context) *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(f.cfg.UserAgent), colly.StdlibContext(ctx))
	c.WithTransport(f.transport)
	c.SetRequestTimeout(f.cfg.Timeout)
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	return c
}

func isHTML(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(body)), "html")
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
