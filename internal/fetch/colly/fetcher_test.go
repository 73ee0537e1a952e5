package collyfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestListURL(t *testing.T) {
	t.Parallel()

	f := New(Config{BaseURL: "https://example.com/items", ListQuery: "p"})
	require.Equal(t, "https://example.com/items?p=42", f.ListURL(42))

	f = New(Config{BaseURL: "https://example.com/items"})
	require.Equal(t, "https://example.com/items?page=1", f.ListURL(1))
}

func TestFetchListReturnsBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "7", r.URL.Query().Get("page"))
		fmt.Fprint(w, "<html>page seven</html>")
	})

	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	html, err := f.FetchList(context.Background(), 7)
	require.NoError(t, err)
	require.Contains(t, html, "page seven")
}

func TestFetchDetailReturnsBody(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>detail</html>")
	})

	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	html, err := f.FetchDetail(context.Background(), srv.URL+"/products/1")
	require.NoError(t, err)
	require.Contains(t, html, "detail")
}

func TestFetchClassifiesRateLimiting(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := f.FetchList(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, crawl.KindRateLimited, crawl.KindOf(err))
}

func TestFetchClassifiesStatusFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := f.FetchList(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, crawl.KindNetworkConnection, crawl.KindOf(err))
}

func TestFetchCancelledContext(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	_, err := f.FetchList(ctx, 1)
	require.Error(t, err)
	require.Equal(t, crawl.KindCancelled, crawl.KindOf(err))
}

func TestFetchHonorsRateCeiling(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})

	f := New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second, RequestsPerSecond: 20, Burst: 1})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.FetchList(context.Background(), i+1)
		require.NoError(t, err)
	}
	// Two waits at 20 rps is at least ~100ms.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
