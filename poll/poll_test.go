package poll

import (
	"bb-watcher/archive"
	"bb-watcher/notify"
	"bb-watcher/pkg/watcher"
	"bb-watcher/push"
	"bb-watcher/scraper"
	"bb-watcher/storage"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const course = "25261-XYZ001: 信息学中的概率统计(25-26学年第1学期)"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher returns a fixed portal snapshot.
type fakeFetcher struct {
	mu      sync.Mutex
	res     *scraper.Result
	started chan struct{}
	block   chan struct{}
}

func (f *fakeFetcher) set(items ...*watcher.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = &scraper.Result{
		Courses: []watcher.Course{{Name: course, CourseID: "_1_1"}},
		Items:   items,
		Errors: []watcher.RunError{
			{Kind: watcher.ErrorKindMissingMenu, CourseID: "_1_1", Board: scraper.BoardTeachingContent},
		},
	}
}

func (f *fakeFetcher) FetchAll(ctx context.Context, _ string) (*scraper.Result, error) {
	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// Hand out copies so the monitor cannot alias test state.
	res := *f.res
	res.Items = append([]*watcher.Item(nil), f.res.Items...)
	return &res, ctx.Err()
}

func announcement() *watcher.Item {
	return watcher.NewItem("_1_1", course, "Welcome", "https://bb.example/a#_9_1", &watcher.Announcement{
		AnnouncementID: "_9_1",
		Content:        "Read the syllabus.",
		PublishedAt:    "2025-10-18T23:59:59+08:00",
	})
}

func grade(raw, points string) *watcher.Item {
	return watcher.NewItem("_1_1", course, "HW1", "https://bb.example/g", &watcher.GradeItem{
		RowID:             "_77_1",
		Category:          "作业",
		GradeRaw:          raw,
		PointsPossibleRaw: points,
	})
}

type harness struct {
	store   *storage.Store
	fetcher *fakeFetcher
	pusher  *push.MockProvider
	archive *archive.Store
	monitor *Monitor
	dir     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := storage.Open(ctx, filepath.Join(dir, "state.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:   st,
		fetcher: &fakeFetcher{},
		pusher:  push.NewMockProvider(discardLogger()),
		archive: archive.New(nil, "", filepath.Join(dir, "archive"), discardLogger()),
		dir:     dir,
	}
	h.pusher.ConfirmDeliveries()
	h.monitor = New(h.fetcher, h.store, h.pusher, h.archive, notify.DefaultPolicy(), discardLogger())
	return h
}

// seedNotified stores items as already told to the user.
func (h *harness) seedNotified(t *testing.T, items ...*watcher.Item) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.Upsert(ctx, items))
	var pairs []watcher.StatePair
	for _, it := range items {
		pairs = append(pairs, watcher.StatePair{FP: watcher.IdentityFP(it), StateFP: watcher.StateFP(it)})
	}
	require.NoError(t, h.store.MarkNotified(ctx, pairs))
}

func titles(sent []push.Sent) []string {
	var out []string
	for _, s := range sent {
		out = append(out, s.Title)
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotified(t, grade("-", "100"))
	h.fetcher.set(announcement(), grade("88", "100"))

	rep, err := h.monitor.Run(ctx, Options{PortalURL: "https://bb.example/portal"})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Items)
	require.Equal(t, 1, rep.New)
	require.Equal(t, 1, rep.Updated)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, 1, rep.MissingMenu)
	require.Equal(t, 0, rep.FailedBoards())

	sent := h.pusher.Sent()
	require.Equal(t, []string{
		"[信息学中的概率统计] 新通知",
		"[信息学中的概率统计] 作业出分",
	}, titles(sent))
	require.Contains(t, sent[1].Body, "成绩: 88/100")

	// Nothing changed on the portal: nothing to say.
	h.pusher.Reset()
	rep, err = h.monitor.Run(ctx, Options{PortalURL: "https://bb.example/portal"})
	require.NoError(t, err)
	require.Equal(t, 0, rep.Sent)
	require.Equal(t, 2, rep.Unchanged)
	require.Empty(t, h.pusher.Sent())

	keys, err := h.archive.List(ctx, "runs/")
	require.NoError(t, err)
	var reports int
	for _, k := range keys {
		if strings.HasSuffix(k, "-report.json") {
			reports++
		}
	}
	require.Equal(t, 2, reports)
}

func TestRunFailedPushStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotified(t, grade("95", "100"))
	h.fetcher.set(grade("98", "100"))

	h.pusher.FailWith(func(string) error { return errors.New("bark down") })
	rep, err := h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 0, rep.Sent)

	// The retry still reports the change against what was last notified.
	h.pusher.FailWith(nil)
	rep, err = h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	sent := h.pusher.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "[信息学中的概率统计] 作业成绩变动", sent[0].Title)
	require.Contains(t, sent[0].Body, "95 -> 98")

	rep, err = h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, rep.Pending)
}

func TestRunAcknowledgesQuietUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	old := watcher.NewItem("_1_1", course, "Week 1", "", &watcher.TeachingContent{ContentItemID: "_11_1", Content: "draft"})
	h.seedNotified(t, old)
	h.fetcher.set(watcher.NewItem("_1_1", course, "Week 1", "", &watcher.TeachingContent{ContentItemID: "_11_1", Content: "final"}))

	rep, err := h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Acknowledged)
	require.Equal(t, 0, rep.Pending)

	// Acknowledged, so the next run does not reconsider it.
	rep, err = h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, rep.Acknowledged)
	require.Equal(t, 1, rep.Unchanged)
	require.Empty(t, h.pusher.Sent())
}

func TestRunLimitDeliversNewFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedNotified(t, grade("-", "100"))
	h.fetcher.set(grade("88", "100"), announcement())

	rep, err := h.monitor.Run(ctx, Options{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Pending)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, []string{"[信息学中的概率统计] 新通知"}, titles(h.pusher.Sent()))

	// The held-back update goes out next time.
	h.pusher.Reset()
	rep, err = h.monitor.Run(ctx, Options{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, []string{"[信息学中的概率统计] 作业出分"}, titles(h.pusher.Sent()))
}

func TestRunDryRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.set(announcement())

	rep, err := h.monitor.Run(ctx, Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Pending)
	require.Equal(t, 0, rep.Sent)
	require.Empty(t, h.pusher.Sent())

	keys, err := h.archive.List(ctx, "runs/")
	require.NoError(t, err)
	var previewKey string
	for _, k := range keys {
		if strings.HasSuffix(k, "-preview.json") {
			previewKey = k
		}
	}
	require.NotEmpty(t, previewKey)
	var preview Preview
	require.NoError(t, h.archive.Load(ctx, previewKey, &preview))
	require.Len(t, preview.Messages, 1)
	require.Equal(t, "[信息学中的概率统计] 新通知", preview.Messages[0].Message.Title)

	// Nothing was marked notified, so a real run still sends it.
	rep, err = h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
}

func TestRunWithoutDeliveringProviderKeepsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	logOnly := push.NewMockProvider(discardLogger())
	m := New(h.fetcher, h.store, logOnly, h.archive, notify.DefaultPolicy(), discardLogger())
	h.fetcher.set(announcement(), grade("88", "100"))

	rep, err := m.Run(ctx, Options{})
	require.NoError(t, err)
	require.True(t, rep.DryRun)
	require.Equal(t, 2, rep.Pending)
	require.Equal(t, 0, rep.Sent)
	require.Empty(t, logOnly.Sent())

	total, notified, err := h.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 0, notified)

	// Once a real transport is configured the messages still go out.
	rep, err = h.monitor.Run(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, rep.Sent)
}

func TestFetchDoesNotTouchStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.fetcher.set(announcement(), announcement())

	res, err := h.monitor.Fetch(ctx, "https://bb.example/portal")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	total, _, err := h.store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, total)
}

func TestRunRejectsOverlap(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(announcement())
	h.fetcher.started = make(chan struct{})
	h.fetcher.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.monitor.Run(context.Background(), Options{})
		done <- err
	}()

	<-h.fetcher.started
	_, err := h.monitor.Run(context.Background(), Options{})
	require.ErrorIs(t, err, ErrRunInProgress)

	close(h.fetcher.block)
	require.NoError(t, <-done)
}

func TestDedupe(t *testing.T) {
	first := grade("-", "100")
	last := grade("90", "100")
	other := announcement()

	got := Dedupe([]*watcher.Item{first, other, last})
	require.Len(t, got, 2)
	require.Same(t, last, got[0])
	require.Same(t, other, got[1])
}
