package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

var skipExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".css": true, ".js": true, ".json": true, ".xml": true, ".rss": true, ".atom": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".mp3": true, ".mp4": true, ".woff": true, ".woff2": true,
}

// urlSet collects discovered URLs in discovery order up to a cap.
type urlSet struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
	limit int
}

func newURLSet(limit int) *urlSet {
	return &urlSet{seen: make(map[string]bool), limit: limit}
}

func (s *urlSet) add(raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) >= s.limit || s.seen[raw] {
		return false
	}
	s.seen[raw] = true
	s.order = append(s.order, raw)
	return true
}

func (s *urlSet) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) >= s.limit
}

func (s *urlSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Enumerate discovers candidate page URLs for the site of seedURL from its
// sitemaps, its feeds and a bounded crawl of same-host links. Only the
// seed's host and its www. twin are followed.
func (f *Fetcher) Enumerate(ctx context.Context, seedURL string) ([]string, error) {
	seed, err := url.Parse(seedURL)
	if err != nil || seed.Hostname() == "" {
		return nil, fmt.Errorf("%w: seed %q", corpus.ErrInvalidInput, seedURL)
	}
	hosts := allowedHosts(seed.Hostname())
	found := newURLSet(f.cfg.MaxURLs)
	accept := func(raw string) {
		if clean, ok := candidate(raw, hosts); ok {
			found.add(clean)
		}
	}

	root := &url.URL{Scheme: seed.Scheme, Host: seed.Host, Path: "/"}
	f.enumerateSitemap(ctx, root, hosts, accept)
	f.enumerateFeeds(ctx, root, accept)
	crawlErr := f.enumerateCrawl(ctx, seed.String(), hosts, found, accept)

	urls := found.list()
	f.logger.Info("enumerated site",
		zap.String("seed", seedURL),
		zap.Int("urls", len(urls)),
	)
	if len(urls) == 0 && crawlErr != nil {
		return nil, fmt.Errorf("enumerate %s: %w", seedURL, crawlErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", seedURL, err)
	}
	return urls, nil
}

func (f *Fetcher) enumerateSitemap(ctx context.Context, root *url.URL, hosts []string, accept func(string)) {
	c := f.collector(ctx, hosts)
	c.MaxDepth = 3
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		accept(strings.TrimSpace(e.Text))
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if err := e.Request.Visit(strings.TrimSpace(e.Text)); err != nil {
			f.logger.Debug("skip nested sitemap", zap.String("url", e.Text), zap.Error(err))
		}
	})
	sitemap := root.ResolveReference(&url.URL{Path: "/sitemap.xml"}).String()
	if err := c.Visit(sitemap); err != nil {
		f.logger.Debug("no sitemap", zap.String("url", sitemap), zap.Error(err))
	}
	c.Wait()
}

func (f *Fetcher) enumerateFeeds(ctx context.Context, root *url.URL, accept func(string)) {
	parser := gofeed.NewParser()
	parser.UserAgent = f.cfg.UserAgent
	parser.Client = &http.Client{Transport: f.transport, Timeout: f.cfg.Timeout}
	for _, p := range f.cfg.FeedPaths {
		feedURL := root.ResolveReference(&url.URL{Path: p}).String()
		feed, err := parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			continue
		}
		for _, item := range feed.Items {
			if item.Link != "" {
				accept(item.Link)
			}
		}
	}
}

func (f *Fetcher) enumerateCrawl(
	ctx context.Context,
	seed string,
	hosts []string,
	found *urlSet,
	accept func(string),
) error {
	c := f.collector(ctx, hosts)
	c.MaxDepth = f.cfg.MaxDepth
	c.Async = true
	if err := c.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: f.cfg.Parallelism}); err != nil {
		return fmt.Errorf("configure crawl limits: %w", err)
	}

	var (
		mu      sync.Mutex
		seedErr error
	)
	c.OnRequest(func(r *colly.Request) {
		if found.full() && r.Depth > 1 {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		if isHTML(r.Headers.Get("Content-Type"), r.Body) {
			accept(r.Request.URL.String())
		}
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if _, ok := candidate(link, hosts); !ok || found.full() {
			return
		}
		_ = e.Request.Visit(link)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.Request.Depth <= 1 {
			mu.Lock()
			seedErr = err
			mu.Unlock()
		}
	})

	if err := c.Visit(seed); err != nil {
		return fmt.Errorf("%w: visit seed: %v", corpus.ErrTransient, err)
	}
	c.Wait()
	mu.Lock()
	defer mu.Unlock()
	if seedErr != nil {
		return fmt.Errorf("%w: seed: %v", corpus.ErrTransient, seedErr)
	}
	return nil
}

func (f *Fetcher) collector(ctx context.Context, hosts []string) *colly.Collector {
	c := f.newCollector(ctx)
	c.AllowedDomains = hosts
	return c
}

// allowedHosts returns the seed hostname and its www. twin, without port.
func allowedHosts(host string) []string {
	host = strings.ToLower(host)
	if strings.HasPrefix(host, "www.") {
		return []string{host, strings.TrimPrefix(host, "www.")}
	}
	return []string{host, "www." + host}
}

// candidate reports whether raw is a crawlable page on one of hosts and
// returns it without its fragment.
func candidate(raw string, hosts []string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	ok := false
	for _, h := range hosts {
		if host == h {
			ok = true
			break
		}
	}
	if !ok || skipExtensions[strings.ToLower(path.Ext(u.Path))] {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
