package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jstrand/listcrawld/internal/crawl"
	"github.com/jstrand/listcrawld/internal/events"
	"github.com/jstrand/listcrawld/internal/pagination"
	"github.com/jstrand/listcrawld/internal/planner"
	"github.com/jstrand/listcrawld/internal/policy"
	"github.com/jstrand/listcrawld/internal/registry"
	"github.com/jstrand/listcrawld/internal/stage"
)

const (
	testTotalPages = 3
	testLastPage   = 5
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedFetcher releases one list fetch per token sent to gate; a nil gate
// never blocks.
type gatedFetcher struct {
	gate chan struct{}
}

func (f *gatedFetcher) FetchList(ctx context.Context, page int) (string, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return fmt.Sprintf("list:%d", page), nil
}

func (f *gatedFetcher) FetchDetail(ctx context.Context, url string) (string, error) {
	return "detail:" + url, nil
}

type siteExtractor struct{}

func (siteExtractor) ExtractListURLs(html string) ([]string, error) {
	page, err := strconv.Atoi(strings.TrimPrefix(html, "list:"))
	if err != nil {
		return nil, err
	}
	n := pagination.PageCapacity(page, testTotalPages, testLastPage)
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://example.com/products/%d-%d", page, i)
	}
	return urls, nil
}

func (siteExtractor) ExtractDetail(html string) (crawl.ProductDetail, error) {
	return crawl.ProductDetail{URL: strings.TrimPrefix(html, "detail:"), Title: "Widget"}, nil
}

func (siteExtractor) ExtractPagination(html string) (int, int, error) {
	return testTotalPages, testLastPage, nil
}

// recorderStore records saves without feeding them back into planning, so
// plan hashes stay stable across runs within a test.
type recorderStore struct {
	mu    sync.Mutex
	saved []crawl.Product
}

func (s *recorderStore) MaxAddressedPosition(ctx context.Context) (*crawl.Position, error) {
	return nil, nil
}

func (s *recorderStore) Save(ctx context.Context, products []crawl.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, products...)
	return nil
}

func (s *recorderStore) CountTotal(ctx context.Context) (int, error)      { return 0, nil }
func (s *recorderStore) CountDuplicates(ctx context.Context) (int, error) { return 0, nil }

func (s *recorderStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// stubChecker reports a fixed site shape; a non-nil gate blocks the check
// until the gate closes.
type stubChecker struct {
	err  error
	gate chan struct{}
}

func (c *stubChecker) CheckSiteStatus(ctx context.Context) (crawl.SiteStatus, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return crawl.SiteStatus{}, ctx.Err()
		}
	}
	if c.err != nil {
		return crawl.SiteStatus{}, c.err
	}
	return crawl.SiteStatus{
		TotalPages:         testTotalPages,
		ProductsOnLastPage: testLastPage,
		IsAccessible:       true,
		CheckedAt:          time.Now().UTC(),
	}, nil
}

type stubIDs struct{ n int }

func (g *stubIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("gen-%d", g.n), nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	fetcher *gatedFetcher
	store   *recorderStore
	checker *stubChecker
	emitter *captureEmitter
	clock   *fakeClock
	reg     *registry.Registry
	mgr     *Manager
	cancel  context.CancelFunc
}

// newHarness builds a manager over a 3-page site with one page per batch.
func newHarness(t *testing.T, gated bool) *harness {
	t.Helper()
	h := &harness{
		fetcher: &gatedFetcher{},
		store:   &recorderStore{},
		checker: &stubChecker{},
		emitter: &captureEmitter{},
		clock:   &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	if gated {
		h.fetcher.gate = make(chan struct{})
	}
	h.reg = registry.New(time.Minute, h.clock.Now)

	plannerCfg := planner.DefaultConfig()
	plannerCfg.BatchSizeBase = 1
	plannerCfg.BatchSizeMin = 1
	plannerCfg.BatchSizeMax = 1

	cfg := Config{
		BatchOverlap:  1,
		CommandBuffer: 4,
		Failure:       policy.Default(),
		Stage:         stage.Config{AttemptTimeout: time.Second},
		Planner:       plannerCfg,
	}
	collab := Collaborators{
		Fetcher:   h.fetcher,
		Extractor: siteExtractor{},
		Store:     h.store,
		Checker:   h.checker,
		Clock:     h.clock,
	}

	root, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	h.mgr = NewManager(root, cfg, collab, h.reg, h.emitter, &stubIDs{}, nil)
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want registry.Status) registry.Snapshot {
	t.Helper()
	var snap registry.Snapshot
	require.Eventually(t, func() bool {
		s, ok := h.reg.Get(id)
		if !ok {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestStartCrawlingRunsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	id, err := h.mgr.StartCrawling("")
	require.NoError(t, err)
	require.Equal(t, "gen-1", id)

	snap := h.waitStatus(t, id, registry.StatusCompleted)
	require.Equal(t, testTotalPages, snap.ProcessedPages)
	require.Equal(t, testTotalPages, snap.TotalBatches)
	require.Equal(t, testTotalPages, snap.CompletedBatches)
	require.Empty(t, snap.RemainingSlots)
	require.Empty(t, snap.FailedPages)

	// Two full pages plus the short terminal page.
	require.Equal(t, 2*crawl.ProductsPerPage+testLastPage, h.store.count())

	require.Equal(t, 1, h.emitter.count(events.TypeSessionStarted))
	require.Equal(t, 1, h.emitter.count(events.TypeSessionCompleted))
	require.Equal(t, testTotalPages, h.emitter.count(events.TypeProgress))
}

func TestPauseGatesNewBatchesOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	id, err := h.mgr.StartCrawling("sess-pause")
	require.NoError(t, err)

	h.waitStatus(t, id, registry.StatusRunning)
	require.NoError(t, h.mgr.Pause(context.Background(), id))
	h.waitStatus(t, id, registry.StatusPaused)

	// The in-flight batch finishes even while paused.
	h.fetcher.gate <- struct{}{}
	require.Eventually(t, func() bool {
		s, _ := h.reg.Get(id)
		return s.CompletedBatches == 1
	}, 5*time.Second, 5*time.Millisecond)

	// No new dispatch happens while paused.
	time.Sleep(50 * time.Millisecond)
	snap, _ := h.reg.Get(id)
	require.Equal(t, registry.StatusPaused, snap.Status)
	require.Equal(t, 1, snap.ProcessedPages)

	require.NoError(t, h.mgr.Resume(context.Background(), id))
	h.waitStatus(t, id, registry.StatusRunning)
	h.fetcher.gate <- struct{}{}
	h.fetcher.gate <- struct{}{}

	snap = h.waitStatus(t, id, registry.StatusCompleted)
	require.Equal(t, testTotalPages, snap.CompletedBatches)
	require.Equal(t, 1, h.emitter.count(events.TypeSessionPaused))
	require.Equal(t, 1, h.emitter.count(events.TypeSessionResumed))
}

func TestCancelPreservesResumeTokenAndRestartResumes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	id, err := h.mgr.StartCrawling("sess-resume")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusRunning)

	// Let the oldest-page batch finish, then cancel mid-run.
	h.fetcher.gate <- struct{}{}
	require.Eventually(t, func() bool {
		s, _ := h.reg.Get(id)
		return s.CompletedBatches == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.mgr.Cancel(context.Background(), id, "operator stop"))

	snap := h.waitStatus(t, id, registry.StatusFailed)
	require.Equal(t, "operator stop", snap.FailureReason)
	require.NotEmpty(t, snap.RemainingSlots)
	require.Equal(t, 2*crawl.ProductsPerPage, len(snap.RemainingSlots))
	require.Equal(t, 1, h.emitter.count(events.TypeSessionFailed))

	require.Eventually(t, func() bool { return h.mgr.Running() == 0 }, 5*time.Second, 5*time.Millisecond)

	// Restarting the same id picks up the persisted cursor: only the two
	// unvisited pages are replayed.
	h.fetcher.gate = nil
	_, err = h.mgr.StartCrawling(id)
	require.NoError(t, err)

	snap = h.waitStatus(t, id, registry.StatusCompleted)
	require.Equal(t, 2, snap.TotalBatches)
	require.Equal(t, 2, snap.ProcessedPages)
	require.Empty(t, snap.RemainingSlots)
	require.Equal(t, 2*crawl.ProductsPerPage+testLastPage, h.store.count())
}

func TestStartCrawlingRejectsLiveDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	id, err := h.mgr.StartCrawling("sess-dup")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusRunning)

	_, err = h.mgr.StartCrawling("sess-dup")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.mgr.Cancel(context.Background(), id, "done"))
	h.waitStatus(t, id, registry.StatusFailed)
}

func TestHealthCheckRoundTrip(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	id, err := h.mgr.StartCrawling("sess-health")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := h.mgr.HealthCheck(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, report.SessionID)
	require.Equal(t, string(registry.StatusRunning), report.Status)

	require.NoError(t, h.mgr.Cancel(context.Background(), id, "done"))
	h.waitStatus(t, id, registry.StatusFailed)
}

func TestPlanningFailureRegistersFailedSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.checker.err = crawl.NewError(crawl.KindNetworkConnection, "site unreachable")

	id, err := h.mgr.StartCrawling("sess-plan-fail")
	require.NoError(t, err)

	snap := h.waitStatus(t, id, registry.StatusFailed)
	require.Contains(t, snap.FailureReason, "site unreachable")
	require.Equal(t, 1, h.emitter.count(events.TypeSessionFailed))
}

func TestCommandToFinishedSessionFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	id, err := h.mgr.StartCrawling("sess-gone")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusCompleted)
	require.Eventually(t, func() bool { return h.mgr.Running() == 0 }, 5*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.mgr.Pause(context.Background(), id), ErrNoActiveSession)
}

func TestSessionQueryableWhilePlanning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	h.checker.gate = make(chan struct{})

	id, err := h.mgr.StartCrawling("sess-planning")
	require.NoError(t, err)

	// The id is queryable immediately, before planning has produced a plan.
	snap := h.waitStatus(t, id, registry.StatusStarting)
	require.Empty(t, snap.PlanHash)
	require.Zero(t, snap.TotalBatches)

	close(h.checker.gate)
	snap = h.waitStatus(t, id, registry.StatusCompleted)
	require.NotEmpty(t, snap.PlanHash)
	require.Equal(t, testTotalPages, snap.TotalBatches)
}

func TestEvictionSweepRemovesFinishedSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, false)
	id, err := h.mgr.StartCrawling("sess-evict")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.mgr.RunEviction(ctx, 10*time.Millisecond)

	// Inside the grace window the finished entry stays queryable.
	time.Sleep(50 * time.Millisecond)
	_, ok := h.reg.Get(id)
	require.True(t, ok)

	// Past the window the sweep drops it.
	h.clock.advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		_, ok := h.reg.Get(id)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPromoteBatchReordersPending(t *testing.T) {
	t.Parallel()

	st := &loopState{
		units: []workUnit{{id: 1}, {id: 2}, {id: 3}},
		next:  1,
	}
	require.True(t, promoteBatch(st, 3))
	require.Equal(t, 3, st.units[1].id)
	require.Equal(t, 2, st.units[2].id)

	// Already-dispatched and unknown ids are not promotable.
	require.False(t, promoteBatch(st, 1))
	require.False(t, promoteBatch(st, 9))
}

func TestProcessBatchDispatchesAddressedBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	id, err := h.mgr.StartCrawling("sess-manual")
	require.NoError(t, err)
	h.waitStatus(t, id, registry.StatusRunning)

	require.NoError(t, h.mgr.Pause(context.Background(), id))
	h.waitStatus(t, id, registry.StatusPaused)

	// Let the in-flight first batch finish; batches 2 and 3 stay pending.
	h.fetcher.gate <- struct{}{}
	require.Eventually(t, func() bool {
		s, _ := h.reg.Get(id)
		return s.CompletedBatches == 1
	}, 5*time.Second, 5*time.Millisecond)

	snap, _ := h.reg.Get(id)
	require.Len(t, snap.RemainingSlots, 2*crawl.ProductsPerPage)
	// Remaining slots are in dispatch order: batch 2's page first, batch 3's
	// page last.
	secondPage := snap.RemainingSlots[0].PhysicalPage
	thirdPage := snap.RemainingSlots[len(snap.RemainingSlots)-1].PhysicalPage
	require.NotEqual(t, secondPage, thirdPage)

	h.mgr.mu.Lock()
	sup := h.mgr.sessions[id].sup
	h.mgr.mu.Unlock()
	cmd := crawl.NewCommand(crawl.CommandProcessBatch, id)
	cmd.Batch = &crawl.BatchSpec{BatchID: 3}
	require.NoError(t, sup.Commands().Send(context.Background(), cmd))

	h.fetcher.gate <- struct{}{}
	require.Eventually(t, func() bool {
		s, _ := h.reg.Get(id)
		return s.CompletedBatches == 2
	}, 5*time.Second, 5*time.Millisecond)

	// The addressed batch ran, so only batch 2's page remains.
	snap, _ = h.reg.Get(id)
	require.Len(t, snap.RemainingSlots, crawl.ProductsPerPage)
	for _, slot := range snap.RemainingSlots {
		require.Equal(t, secondPage, slot.PhysicalPage)
	}

	require.NoError(t, h.mgr.Resume(context.Background(), id))
	h.fetcher.gate <- struct{}{}
	snap = h.waitStatus(t, id, registry.StatusCompleted)
	require.Empty(t, snap.RemainingSlots)
}

func TestShutdownInterruptsAllSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, true)
	a, err := h.mgr.StartCrawling("sess-a")
	require.NoError(t, err)
	b, err := h.mgr.StartCrawling("sess-b")
	require.NoError(t, err)
	h.waitStatus(t, a, registry.StatusRunning)
	h.waitStatus(t, b, registry.StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))

	snapA, _ := h.reg.Get(a)
	snapB, _ := h.reg.Get(b)
	require.Equal(t, registry.StatusFailed, snapA.Status)
	require.Equal(t, registry.StatusFailed, snapB.Status)
	require.Equal(t, "shutdown requested", snapA.FailureReason)
	require.NotEmpty(t, snapA.RemainingSlots)
}
