package storage

import (
	"bb-watcher/pkg/watcher"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func gradeItem(rowID, grade string) *watcher.Item {
	return watcher.NewItem("_1_1", "概率统计", "Homework "+rowID, "https://bb.example/grade/"+rowID, &watcher.GradeItem{
		RowID:    rowID,
		Category: "作业",
		GradeRaw: grade,
	})
}

func TestUpsertClassifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	it := gradeItem("_1", "-")

	fresh, updated, unchanged, err := s.Classify(ctx, []*watcher.Item{it})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Empty(t, updated)
	require.Empty(t, unchanged)

	require.NoError(t, s.Upsert(ctx, []*watcher.Item{it}))

	fresh, updated, unchanged, err = s.Classify(ctx, []*watcher.Item{it})
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Empty(t, updated)
	require.Len(t, unchanged, 1)

	changed := gradeItem("_1", "95")
	fresh, updated, unchanged, err = s.Classify(ctx, []*watcher.Item{changed})
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Len(t, updated, 1)
	require.Empty(t, unchanged)
}

func TestUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	it := gradeItem("_1", "-")

	require.NoError(t, s.Upsert(ctx, []*watcher.Item{it}))
	require.NoError(t, s.Upsert(ctx, []*watcher.Item{it}))

	total, notified, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, 0, notified)
}

func TestUpsertNeverTouchesSentState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	it := gradeItem("_1", "-")
	fp := watcher.IdentityFP(it)

	require.NoError(t, s.Upsert(ctx, []*watcher.Item{it}))
	require.NoError(t, s.MarkNotified(ctx, []watcher.StatePair{{FP: fp, StateFP: watcher.StateFP(it)}}))

	changed := gradeItem("_1", "95")
	require.NoError(t, s.Upsert(ctx, []*watcher.Item{changed}))

	recs, err := s.FetchRecords(ctx, []string{fp})
	require.NoError(t, err)
	rec := recs[fp]
	require.NotNil(t, rec)
	require.Equal(t, watcher.StateFP(changed), rec.StateFP)
	require.Equal(t, watcher.StateFP(it), rec.SentStateFP)
	require.NotEmpty(t, rec.SentAt)

	// The notified snapshot still shows the old grade.
	d, err := rec.NotifiedDetails()
	require.NoError(t, err)
	require.Equal(t, "-", d.(*watcher.GradeItem).GradeRaw)
}

func TestMarkNotifiedAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.now = func() time.Time { return time.Date(2025, 10, 18, 12, 0, 0, 0, time.UTC) }

	notified := gradeItem("_1", "95")
	acked := gradeItem("_2", "88")
	require.NoError(t, s.Upsert(ctx, []*watcher.Item{notified, acked}))

	require.NoError(t, s.MarkNotified(ctx, []watcher.StatePair{{FP: watcher.IdentityFP(notified), StateFP: watcher.StateFP(notified)}}))
	require.NoError(t, s.Acknowledge(ctx, []watcher.StatePair{{FP: watcher.IdentityFP(acked), StateFP: watcher.StateFP(acked)}}))

	recs, err := s.FetchRecords(ctx, []string{watcher.IdentityFP(notified), watcher.IdentityFP(acked)})
	require.NoError(t, err)

	n := recs[watcher.IdentityFP(notified)]
	require.Equal(t, watcher.StateFP(notified), n.SentStateFP)
	require.Equal(t, "2025-10-18T12:00:00Z", n.SentAt)
	require.Equal(t, n.RawJSON, n.SentRawJSON)

	a := recs[watcher.IdentityFP(acked)]
	require.Equal(t, watcher.StateFP(acked), a.SentStateFP)
	require.Empty(t, a.SentAt)
	require.Equal(t, a.RawJSON, a.SentRawJSON)

	total, count, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 2, count)
}

func TestFetchRecordsChunks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var items []*watcher.Item
	var fps []string
	for i := range 2*maxParams + 17 {
		it := gradeItem(fmt.Sprintf("_%d", i), "-")
		items = append(items, it)
		fps = append(fps, watcher.IdentityFP(it))
	}
	require.NoError(t, s.Upsert(ctx, items))

	recs, err := s.FetchRecords(ctx, append(fps, "unknown"))
	require.NoError(t, err)
	require.Len(t, recs, len(items))
}

func TestClassifyCollapsesDuplicateIdentities(t *testing.T) {
	s := openTestStore(t)
	fresh, _, _, err := s.Classify(context.Background(), []*watcher.Item{gradeItem("_1", "-"), gradeItem("_1", "95")})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, "95", fresh[0].Details.(*watcher.GradeItem).GradeRaw)
}

func TestRecordsRoundTripDetails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	it := watcher.NewItem("_1_1", "概率统计", "Welcome", "https://bb.example/a#_9_1", &watcher.Announcement{
		AnnouncementID: "_9_1",
		Content:        "hello",
		PublishedAt:    "2025-10-18T23:59:59+08:00",
	})
	require.NoError(t, s.Upsert(ctx, []*watcher.Item{it}))

	recs, err := s.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	require.Equal(t, watcher.SourceAnnouncement, rec.Source)
	require.Equal(t, "_9_1", rec.ExternalID)
	require.Equal(t, "2025-10-18T23:59:59+08:00", rec.TS)

	d, err := rec.NotifiedDetails()
	require.NoError(t, err)
	require.Equal(t, "hello", d.(*watcher.Announcement).Content)
}

func TestMigrateLegacyTable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE items (fp TEXT PRIMARY KEY, course TEXT, source TEXT, state_fp TEXT,
title TEXT, url TEXT, raw_json TEXT, created_at TEXT, sent_at TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO items VALUES
('a', '概率统计', 'grade_item', 'state-a', 'HW1', 'u1', '{}', '2025-01-01', '2025-01-02'),
('b', '线性代数', 'grade_item', 'state-b', 'HW2', 'u2', '{}', '2025-01-01', NULL)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(ctx, path, discardLogger())
	require.NoError(t, err)
	defer s.Close()

	recs, err := s.FetchRecords(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "概率统计", recs["a"].CourseName)
	require.Equal(t, "state-a", recs["a"].SentStateFP)
	require.Equal(t, "线性代数", recs["b"].CourseName)
	require.Empty(t, recs["b"].SentStateFP)

	total, notified, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, 1, notified)
}
