// Package fake provides a scriptable corpus.ContentFetcher for tests and
// offline runs.
package fake

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Fetcher serves canned pages. URLs without a page answer 404.
type Fetcher struct {
	mu           sync.Mutex
	seq          int
	enumeration  []string
	pages        map[string]corpus.FetchResult
	fetchErrs    map[string]error
	enumerateErr error
	batchErr     error
	awaitErr     error
	batches      map[string][]string
	batchSizes   []int
	fetchedOne   []string
}

var _ corpus.ContentFetcher = (*Fetcher)(nil)

// New returns an empty Fetcher.
func New() *Fetcher {
	return &Fetcher{
		pages:     make(map[string]corpus.FetchResult),
		fetchErrs: make(map[string]error),
		batches:   make(map[string][]string),
	}
}

// SetEnumeration replaces the URLs Enumerate returns.
func (f *Fetcher) SetEnumeration(urls ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumeration = append([]string(nil), urls...)
}

// SetPage serves text with status 200 at url.
func (f *Fetcher) SetPage(url, title, text string) {
	f.SetResult(corpus.FetchResult{URL: url, Title: title, Text: text, HTTPStatus: http.StatusOK})
}

// SetResult serves r at r.URL.
func (f *Fetcher) SetResult(r corpus.FetchResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[r.URL] = r
	delete(f.fetchErrs, r.URL)
}

// SetStatus serves an empty response with status at url.
func (f *Fetcher) SetStatus(url string, status int) {
	f.SetResult(corpus.FetchResult{URL: url, HTTPStatus: status})
}

// FailFetch makes FetchOne of url fail with err and batch fetches of url
// come back empty.
func (f *Fetcher) FailFetch(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs[url] = err
}

// FailEnumerate makes Enumerate fail with err; nil clears it.
func (f *Fetcher) FailEnumerate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enumerateErr = err
}

// FailBatches makes FetchBatch fail with err; nil clears it.
func (f *Fetcher) FailBatches(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchErr = err
}

// FailAwait makes AwaitBatch fail with err; nil clears it.
func (f *Fetcher) FailAwait(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaitErr = err
}

// BatchSizes reports the URL count of every submitted batch in order.
func (f *Fetcher) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batchSizes...)
}

// FetchedOne reports the URLs passed to FetchOne in call order.
func (f *Fetcher) FetchedOne() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetchedOne...)
}

// Enumerate returns the configured enumeration.
func (f *Fetcher) Enumerate(ctx context.Context, _ string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enumerateErr != nil {
		return nil, f.enumerateErr
	}
	return append([]string(nil), f.enumeration...), nil
}

// FetchBatch records the batch; results are produced on await.
func (f *Fetcher) FetchBatch(ctx context.Context, urls []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return "", f.batchErr
	}
	f.seq++
	id := fmt.Sprintf("batch-%d", f.seq)
	f.batches[id] = append([]string(nil), urls...)
	f.batchSizes = append(f.batchSizes, len(urls))
	return id, nil
}

// AwaitBatch returns the finished batch.
func (f *Fetcher) AwaitBatch(ctx context.Context, batchID string, opts corpus.AwaitOptions) (corpus.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return corpus.BatchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return corpus.BatchResult{}, f.awaitErr
	}
	urls, ok := f.batches[batchID]
	if !ok {
		return corpus.BatchResult{}, fmt.Errorf("batch %s: %w", batchID, corpus.ErrNotFound)
	}
	delete(f.batches, batchID)
	out := corpus.BatchResult{Completed: len(urls), Total: len(urls)}
	for _, u := range urls {
		if _, failed := f.fetchErrs[u]; failed {
			out.Results = append(out.Results, corpus.FetchResult{URL: u})
			continue
		}
		out.Results = append(out.Results, f.result(u))
	}
	if opts.OnProgress != nil {
		opts.OnProgress(out.Completed, out.Total)
	}
	return out, nil
}

// FetchOne returns the canned page for url.
func (f *Fetcher) FetchOne(ctx context.Context, url string) (corpus.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return corpus.FetchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchedOne = append(f.fetchedOne, url)
	if err := f.fetchErrs[url]; err != nil {
		return corpus.FetchResult{}, err
	}
	return f.result(url), nil
}

func (f *Fetcher) result(url string) corpus.FetchResult {
	if r, ok := f.pages[url]; ok {
		return r
	}
	return corpus.FetchResult{URL: url, HTTPStatus: http.StatusNotFound}
}
