package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
)

type fakeFetcher struct {
	pages   map[int]string
	fetched []int
	err     error
}

func (f *fakeFetcher) FetchList(ctx context.Context, page int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.fetched = append(f.fetched, page)
	html, ok := f.pages[page]
	if !ok {
		return "", crawl.NewError(crawl.KindNetworkConnection, fmt.Sprintf("no page %d", page))
	}
	return html, nil
}

func (f *fakeFetcher) FetchDetail(ctx context.Context, url string) (string, error) {
	return "", crawl.NewError(crawl.KindConfiguration, "not used")
}

// fakeExtractor reads "total:N count:M" pseudo-HTML.
type fakeExtractor struct{}

func (fakeExtractor) ExtractListURLs(html string) ([]string, error) { return nil, nil }

func (fakeExtractor) ExtractDetail(html string) (crawl.ProductDetail, error) {
	return crawl.ProductDetail{}, nil
}

func (fakeExtractor) ExtractPagination(html string) (int, int, error) {
	var total, count int
	if _, err := fmt.Sscanf(html, "total:%d count:%d", &total, &count); err != nil {
		return 0, 0, crawl.WrapError(crawl.KindParse, "bad pseudo page", err)
	}
	return total, count, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestCheckSiteStatusReadsBothBoundaryPages(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int]string{
		1:   "total:482 count:12",
		482: "total:482 count:4",
	}}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(f, fakeExtractor{}, fixedClock{t: now}, nil)

	site, err := c.CheckSiteStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 482, site.TotalPages)
	require.Equal(t, 4, site.ProductsOnLastPage)
	require.True(t, site.IsAccessible)
	require.Equal(t, now, site.CheckedAt)
	require.Equal(t, []int{1, 482}, f.fetched)
}

func TestCheckSiteStatusSinglePageSite(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int]string{1: "total:1 count:7"}}
	c := New(f, fakeExtractor{}, fixedClock{t: time.Now()}, nil)

	site, err := c.CheckSiteStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, site.TotalPages)
	require.Equal(t, 7, site.ProductsOnLastPage)
	require.Equal(t, []int{1}, f.fetched)
}

func TestCheckSiteStatusFetchFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{err: crawl.NewError(crawl.KindNetworkTimeout, "dead site")}
	c := New(f, fakeExtractor{}, fixedClock{t: time.Now()}, nil)

	site, err := c.CheckSiteStatus(context.Background())
	require.Error(t, err)
	require.False(t, site.IsAccessible)
	require.Equal(t, crawl.KindNetworkTimeout, crawl.KindOf(err))
}

func TestCheckSiteStatusRejectsOverfullTerminalPage(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int]string{
		1: "total:2 count:12",
		2: "total:2 count:13",
	}}
	c := New(f, fakeExtractor{}, fixedClock{t: time.Now()}, nil)

	_, err := c.CheckSiteStatus(context.Background())
	require.Error(t, err)
	require.Equal(t, crawl.KindValidation, crawl.KindOf(err))
}
