// Package poll runs one monitoring pass: fetch the portal, decide what is
// worth telling, push it and remember what was told.
package poll

import (
	"bb-watcher/archive"
	"bb-watcher/notify"
	"bb-watcher/pkg/watcher"
	"bb-watcher/scraper"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Fetcher walks the portal.
type Fetcher interface {
	FetchAll(ctx context.Context, portalURL string) (*scraper.Result, error)
}

// Store interface for the persistent dedup store.
type Store interface {
	Classify(ctx context.Context, items []*watcher.Item) (fresh, updated, unchanged []*watcher.Item, err error)
	FetchRecords(ctx context.Context, fps []string) (map[string]*watcher.Record, error)
	Upsert(ctx context.Context, items []*watcher.Item) error
	Acknowledge(ctx context.Context, pairs []watcher.StatePair) error
	MarkNotified(ctx context.Context, pairs []watcher.StatePair) error
}

// Pusher delivers messages.
type Pusher interface {
	Send(ctx context.Context, title, body, link string) error
	Name() string
}

// Deliverer is implemented by pushers that can tell whether a successful
// Send reaches anyone. Pushers without it are taken to deliver.
type Deliverer interface {
	Delivers() bool
}

// Archiver keeps run outputs. It may be nil.
type Archiver interface {
	Save(ctx context.Context, key string, v any) error
}

// Options controls one run.
type Options struct {
	PortalURL string
	// Limit caps messages sent per run; 0 sends everything pending.
	Limit  int
	DryRun bool
}

// Report summarizes a run.
type Report struct {
	RunID        string             `json:"run_id"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	DryRun       bool               `json:"dry_run"`
	Provider     string             `json:"provider"`
	Courses      int                `json:"courses"`
	Items        int                `json:"items"`
	New          int                `json:"new"`
	Updated      int                `json:"updated"`
	Unchanged    int                `json:"unchanged"`
	Pending      int                `json:"pending"`
	Limit        int                `json:"limit"`
	Sent         int                `json:"sent"`
	Failed       int                `json:"failed"`
	Acknowledged int                `json:"acknowledged"`
	MissingMenu  int                `json:"missing_menu"`
	Errors       []watcher.RunError `json:"errors"`
}

// FailedBoards counts run errors other than missing menus.
func (r *Report) FailedBoards() int {
	return len(r.Errors) - r.MissingMenu
}

// Preview is the dry-run output: what would have been sent.
type Preview struct {
	RunID        string           `json:"run_id"`
	ItemsTotal   int              `json:"items_total"`
	PendingTotal int              `json:"pending_total"`
	Limit        int              `json:"limit"`
	Messages     []notify.Pending `json:"messages"`
}

// Monitor handles run orchestration.
type Monitor struct {
	fetcher Fetcher
	store   Store
	pusher  Pusher
	archive Archiver
	policy  notify.Policy
	logger  *slog.Logger

	now   func() time.Time
	newID func() string

	running sync.Mutex
}

// New creates a new monitor. store and pusher may be nil when only Fetch is
// used.
func New(fetcher Fetcher, store Store, pusher Pusher, archive Archiver, policy notify.Policy, logger *slog.Logger) *Monitor {
	return &Monitor{
		fetcher: fetcher,
		store:   store,
		pusher:  pusher,
		archive: archive,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Dedupe collapses items sharing an identity to their last observation,
// keeping first-seen order.
func Dedupe(items []*watcher.Item) []*watcher.Item {
	index := make(map[string]int, len(items))
	out := make([]*watcher.Item, 0, len(items))
	for _, it := range items {
		fp := watcher.IdentityFP(it)
		if i, ok := index[fp]; ok {
			out[i] = it
			continue
		}
		index[fp] = len(out)
		out = append(out, it)
	}
	return out
}

// Fetch walks the portal and archives items and errors without touching
// the store.
func (m *Monitor) Fetch(ctx context.Context, portalURL string) (*scraper.Result, error) {
	if !m.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer m.running.Unlock()

	started := m.now()
	runID := m.newID()
	res, err := m.fetcher.FetchAll(ctx, portalURL)
	if err != nil {
		return res, fmt.Errorf("fetch portal: %w", err)
	}
	res.Items = Dedupe(res.Items)
	m.save(ctx, started, runID, "items", res.Items)
	m.save(ctx, started, runID, "errors", res.Errors)
	m.logger.Info("Fetch completed",
		"run_id", runID,
		"courses", len(res.Courses),
		"items", len(res.Items),
		"errors", len(res.Errors))
	return res, nil
}

// Run performs one full pass. Per-board and per-message failures are
// recorded in the report; only store failures and cancellation return an
// error.
func (m *Monitor) Run(ctx context.Context, opts Options) (*Report, error) {
	if !m.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer m.running.Unlock()

	preview := opts.DryRun
	if d, ok := m.pusher.(Deliverer); ok && !d.Delivers() && !preview {
		m.logger.Warn("Push provider does not deliver, previewing only", "provider", m.pusher.Name())
		preview = true
	}

	rep := &Report{
		RunID:     m.newID(),
		StartedAt: m.now(),
		DryRun:    preview,
		Provider:  m.pusher.Name(),
		Limit:     opts.Limit,
	}
	m.logger.Info("Run starting", "run_id", rep.RunID, "dry_run", preview, "limit", opts.Limit)

	res, err := m.fetcher.FetchAll(ctx, opts.PortalURL)
	if err != nil {
		return rep, fmt.Errorf("fetch portal: %w", err)
	}
	items := Dedupe(res.Items)
	rep.Courses = len(res.Courses)
	rep.Items = len(items)
	rep.Errors = res.Errors
	for _, e := range res.Errors {
		if e.Kind == watcher.ErrorKindMissingMenu {
			rep.MissingMenu++
		}
	}

	fresh, updated, unchanged, err := m.store.Classify(ctx, items)
	if err != nil {
		return rep, fmt.Errorf("classify items: %w", err)
	}
	rep.New, rep.Updated, rep.Unchanged = len(fresh), len(updated), len(unchanged)

	fps := make([]string, len(items))
	for i, it := range items {
		fps[i] = watcher.IdentityFP(it)
	}
	records, err := m.store.FetchRecords(ctx, fps)
	if err != nil {
		return rep, fmt.Errorf("fetch records: %w", err)
	}

	var pending []notify.Pending
	var acks []watcher.StatePair
	for i, it := range items {
		fp := fps[i]
		stateFP := watcher.StateFP(it)
		d := m.policy.Decide(it, records[fp])
		switch d.Action {
		case notify.NotifyNew:
			pending = append(pending, notify.Pending{FP: fp, StateFP: stateFP, Tier: notify.TierNew, Message: *d.Message})
		case notify.NotifyUpdate:
			pending = append(pending, notify.Pending{FP: fp, StateFP: stateFP, Tier: notify.TierUpdated, Message: *d.Message})
		case notify.Acknowledge:
			acks = append(acks, watcher.StatePair{FP: fp, StateFP: stateFP})
		}
	}

	// The latest state is always stored; sent_state_fp is tracked separately.
	if err := m.store.Upsert(ctx, items); err != nil {
		return rep, fmt.Errorf("upsert items: %w", err)
	}
	if err := m.store.Acknowledge(ctx, acks); err != nil {
		return rep, fmt.Errorf("acknowledge items: %w", err)
	}
	rep.Acknowledged = len(acks)
	rep.Pending = len(pending)

	toSend := notify.Prioritize(pending, opts.Limit)
	m.logger.Info("Run summary",
		"run_id", rep.RunID,
		"items", rep.Items,
		"new", rep.New,
		"updated", rep.Updated,
		"pending", rep.Pending,
		"acknowledged", rep.Acknowledged,
		"limit", opts.Limit)

	if preview {
		for _, p := range toSend {
			m.logger.Info("Push planned", "title", p.Message.Title, "first_line", p.Message.FirstLine())
		}
		m.save(ctx, rep.StartedAt, rep.RunID, "preview", &Preview{
			RunID:        rep.RunID,
			ItemsTotal:   rep.Items,
			PendingTotal: rep.Pending,
			Limit:        opts.Limit,
			Messages:     toSend,
		})
	} else {
		sent := m.deliver(ctx, toSend, rep)
		if err := m.store.MarkNotified(ctx, sent); err != nil {
			return rep, fmt.Errorf("mark notified: %w", err)
		}
	}

	rep.FinishedAt = m.now()
	m.save(ctx, rep.StartedAt, rep.RunID, "items", items)
	m.save(ctx, rep.StartedAt, rep.RunID, "report", rep)

	m.logger.Info("Run completed",
		"run_id", rep.RunID,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"skipped_boards", rep.MissingMenu,
		"failed_boards", rep.FailedBoards(),
		"duration_ms", rep.FinishedAt.Sub(rep.StartedAt).Milliseconds())
	return rep, ctx.Err()
}

// deliver sends each message in order and returns the pairs confirmed sent.
// A failed push leaves its item pending for the next run.
func (m *Monitor) deliver(ctx context.Context, toSend []notify.Pending, rep *Report) []watcher.StatePair {
	var sent []watcher.StatePair
	for _, p := range toSend {
		if ctx.Err() != nil {
			break
		}
		m.logger.Info("Push planned", "title", p.Message.Title, "first_line", p.Message.FirstLine())
		if err := m.pusher.Send(ctx, p.Message.Title, p.Message.Body, p.Message.URL); err != nil {
			m.logger.Error("Push failed", "provider", m.pusher.Name(), "title", p.Message.Title, "error", err)
			rep.Failed++
			continue
		}
		sent = append(sent, p.Pair())
		rep.Sent++
	}
	return sent
}

func (m *Monitor) save(ctx context.Context, started time.Time, runID, name string, v any) {
	if m.archive == nil {
		return
	}
	key := archive.RunKey(started, runID, name)
	if err := m.archive.Save(ctx, key, v); err != nil {
		m.logger.Warn("Failed to archive run output", "key", key, "error", err)
	}
}
