package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/extract"
)

const articleBody = `<p>Widgets are small mechanical devices used across many industries.
They come in many shapes and sizes and each one serves a particular purpose in a larger machine.
Engineers pick widgets by load rating, material and tolerance.</p>`

func page(title, body, links string) string {
	return fmt.Sprintf(`<html lang="en"><head><title>%s</title></head><body><article><h1>%s</h1>%s</article>%s</body></html>`,
		title, title, body, links)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("batch-%d", s.n), nil
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, page("Home", articleBody,
			`<a href="/about">About</a><a href="/blog#top">Blog</a><a href="/logo.png">Logo</a><a href="https://elsewhere.test/x">Away</a>`))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, page("About", articleBody, `<a href="/">Home</a>`))
	})
	mux.HandleFunc("/blog", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, page("Blog", articleBody, ""))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	mux.HandleFunc("/data.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"ok":true}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(hooks Hooks) *Fetcher {
	return New(Config{Timeout: 5 * time.Second, MaxDepth: 2, FeedPaths: []string{}}, nil, extract.New(nil), nil, &seqIDs{}, hooks)
}

func TestFetchOneExtractsHTML(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	var statuses []int
	f := newTestFetcher(Hooks{OnFetch: func(status int, _ time.Duration) { statuses = append(statuses, status) }})

	res, err := f.FetchOne(context.Background(), srv.URL+"/about")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	require.Equal(t, "About", res.Title)
	require.Contains(t, res.Text, "Widgets are small mechanical devices")
	require.Equal(t, []int{http.StatusOK}, statuses)
}

func TestFetchOneReportsGoneWithoutError(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newTestFetcher(Hooks{})

	res, err := f.FetchOne(context.Background(), srv.URL+"/gone")
	require.NoError(t, err)
	require.Equal(t, http.StatusGone, res.HTTPStatus)
	require.Empty(t, res.Text)

	res, err = f.FetchOne(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.HTTPStatus)
}

func TestFetchOneSkipsNonHTML(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newTestFetcher(Hooks{})

	res, err := f.FetchOne(context.Background(), srv.URL+"/data.json")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.HTTPStatus)
	require.Empty(t, res.Text)
}

func TestFetchOneTransportFailureIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(Hooks{})
	_, err := f.FetchOne(context.Background(), addr+"/x")
	require.ErrorIs(t, err, corpus.ErrTransient)
}

func TestEnumerateCrawlsSameHostLinks(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newTestFetcher(Hooks{})

	urls, err := f.Enumerate(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{srv.URL + "/", srv.URL + "/about", srv.URL + "/blog"}, urls)
	for _, u := range urls {
		require.NotContains(t, u, "#")
		require.False(t, strings.HasSuffix(u, ".png"))
	}
}

func TestEnumerateReadsSitemap(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex><sitemap><loc>%s/pages.xml</loc></sitemap></sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/pages.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = fmt.Fprintf(w, `<?xml version="1.0"?><urlset><url><loc>%s/hidden</loc></url></urlset>`, srv.URL)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, page("Home", articleBody, ""))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newTestFetcher(Hooks{})
	urls, err := f.Enumerate(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Contains(t, urls, srv.URL+"/hidden")
	require.Contains(t, urls, srv.URL+"/")
}

func TestEnumerateCapsURLs(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := New(Config{MaxURLs: 1, FeedPaths: []string{}}, nil, extract.New(nil), nil, &seqIDs{}, Hooks{})

	urls, err := f.Enumerate(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, urls, 1)
}

func TestEnumerateRejectsBadSeed(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(Hooks{})
	_, err := f.Enumerate(context.Background(), "::not a url")
	require.ErrorIs(t, err, corpus.ErrInvalidInput)
}

func TestFetchBatchAndAwait(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	f := newTestFetcher(Hooks{})
	urls := []string{srv.URL + "/", srv.URL + "/about", srv.URL + "/gone"}

	id, err := f.FetchBatch(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, "batch-1", id)

	var progress [][2]int
	res, err := f.AwaitBatch(context.Background(), id, corpus.AwaitOptions{
		PollInterval: 10 * time.Millisecond,
		MaxWait:      5 * time.Second,
		OnProgress:   func(c, total int) { progress = append(progress, [2]int{c, total}) },
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Completed)
	require.Equal(t, 3, res.Total)
	require.Len(t, res.Results, 3)
	require.Equal(t, urls[1], res.Results[1].URL)
	require.Equal(t, "About", res.Results[1].Title)
	require.Equal(t, http.StatusGone, res.Results[2].HTTPStatus)
	require.NotEmpty(t, progress)
	require.Equal(t, [2]int{3, 3}, progress[len(progress)-1])

	_, err = f.AwaitBatch(context.Background(), id, corpus.AwaitOptions{})
	require.ErrorIs(t, err, corpus.ErrNotFound)
}

func TestFetchBatchRejectsEmpty(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(Hooks{})
	_, err := f.FetchBatch(context.Background(), nil)
	require.ErrorIs(t, err, corpus.ErrInvalidInput)
}

func TestAwaitBatchTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	f := newTestFetcher(Hooks{})
	id, err := f.FetchBatch(context.Background(), []string{srv.URL + "/slow"})
	require.NoError(t, err)

	res, err := f.AwaitBatch(context.Background(), id, corpus.AwaitOptions{
		PollInterval: 5 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	})
	require.ErrorIs(t, err, corpus.ErrTimeout)
	require.Equal(t, 0, res.Completed)
	require.Equal(t, 1, res.Total)
}
