// Package scraper drives the browser through the course portal and hands
// each board's markup to its extractor.
package scraper

import (
	"bb-watcher/extract"
	"bb-watcher/pkg/watcher"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// WaitPolicy tells the browser when a navigation counts as loaded.
type WaitPolicy string

// WaitDOMContentLoaded waits for the initial document only.
const WaitDOMContentLoaded WaitPolicy = "domcontentloaded"

// Browser is the page-fetching collaborator. Implementations classify
// failures by returning errors with a Transient() bool method.
type Browser interface {
	Navigate(ctx context.Context, url string, wait WaitPolicy, timeout time.Duration) error
	CurrentURL() string
	Content(ctx context.Context) (string, error)
	Wait(ctx context.Context, d time.Duration) error
}

// Board names recorded on run errors.
const (
	BoardPortal            = "portal"
	BoardCourse            = "course"
	BoardAnnouncement      = "announcement"
	BoardTeachingContent   = "teaching_content"
	BoardAssignments       = "assignments"
	BoardAssignmentsDetail = "assignments_detail"
	BoardGrades            = "grades"
)

// Options tunes navigation.
type Options struct {
	NavTimeout        time.Duration
	Retries           int
	RetryBase         time.Duration
	SettleDelay       time.Duration
	DetailSettleDelay time.Duration
	CourseLimit       int
}

// DefaultOptions returns the navigation defaults.
func DefaultOptions() Options {
	return Options{
		NavTimeout:        45 * time.Second,
		Retries:           3,
		RetryBase:         400 * time.Millisecond,
		SettleDelay:       300 * time.Millisecond,
		DetailSettleDelay: 250 * time.Millisecond,
	}
}

// Result is the outcome of one pass over the portal.
type Result struct {
	Courses []watcher.Course   `json:"courses"`
	Items   []*watcher.Item    `json:"items"`
	Errors  []watcher.RunError `json:"errors"`
}

type menuBoard struct {
	name    string
	labels  []string
	extract extract.Extractor
}

var menuBoards = []menuBoard{
	{BoardTeachingContent, TeachingContentLabels, extract.ExtractorFunc(extract.TeachingContent)},
	{BoardAssignments, AssignmentsLabels, extract.ExtractorFunc(extract.Assignments)},
	{BoardGrades, GradesLabels, extract.ExtractorFunc(extract.Grades)},
}

// Scraper walks the portal one course and one board at a time.
type Scraper struct {
	browser Browser
	opts    Options
	logger  *slog.Logger
}

// New creates a new scraper.
func New(browser Browser, opts Options, logger *slog.Logger) *Scraper {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &Scraper{
		browser: browser,
		opts:    opts,
		logger:  logger,
	}
}

// FetchAll discovers courses on the portal page and extracts every board of
// every course. Failures are recorded per course and board and never stop
// the pass; only context cancellation ends it early.
func (s *Scraper) FetchAll(ctx context.Context, portalURL string) (*Result, error) {
	if portalURL == "" {
		return nil, errors.New("portal URL is empty")
	}
	res := &Result{}

	s.logger.Info("Loading portal", "url", portalURL)
	markup, pageURL, err := s.visit(ctx, portalURL, 0)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.logger.Error("Failed to load portal", "error", err)
		res.Errors = append(res.Errors, runError(watcher.ErrorKindException, watcher.Course{}, BoardPortal, err))
		return res, nil
	}

	courses, strategy := extract.Courses(markup, pageURL)
	if s.opts.CourseLimit > 0 && len(courses) > s.opts.CourseLimit {
		courses = courses[:s.opts.CourseLimit]
	}
	res.Courses = courses
	s.logger.Info("Courses discovered", "count", len(courses), "strategy", strategy)

	for _, course := range courses {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		before := len(res.Items)
		s.fetchCourse(ctx, portalURL, course, res)
		s.logger.Info("Course fetched",
			"course_id", course.CourseID,
			"course_name", course.Name,
			"items", len(res.Items)-before,
			"total_items", len(res.Items))
	}
	return res, ctx.Err()
}

func (s *Scraper) fetchCourse(ctx context.Context, portalURL string, course watcher.Course, res *Result) {
	courseURL := extract.ResolveURL(portalURL, course.URL)
	entry, entryURL, err := s.visit(ctx, courseURL, s.opts.SettleDelay)
	if err != nil {
		s.record(res, watcher.ErrorKindException, course, BoardCourse, err)
		return
	}

	// The course entry page is the announcement board.
	announcements, _ := s.extractBoard(res, course, BoardAnnouncement, func() []*watcher.Item {
		return extract.Announcements(entry, extract.Context{
			PageURL:    entryURL,
			BaseURL:    portalURL,
			CourseID:   course.CourseID,
			CourseName: course.Name,
		})
	})
	res.Items = append(res.Items, announcements...)

	for _, b := range menuBoards {
		if ctx.Err() != nil {
			return
		}
		href := FindMenuHref(entry, b.labels)
		if href == "" {
			s.record(res, watcher.ErrorKindMissingMenu, course, b.name, &MenuNotFoundError{Board: b.name, Labels: b.labels})
			continue
		}

		markup, pageURL, err := s.visit(ctx, extract.ResolveURL(entryURL, href), s.opts.SettleDelay)
		if err != nil {
			s.record(res, watcher.ErrorKindException, course, b.name, err)
			continue
		}

		items, ok := s.extractBoard(res, course, b.name, func() []*watcher.Item {
			return b.extract.Extract(markup, extract.Context{
				PageURL:    pageURL,
				BaseURL:    portalURL,
				CourseID:   course.CourseID,
				CourseName: course.Name,
			})
		})
		if !ok {
			continue
		}
		if b.name == BoardAssignments {
			items = s.enrichAssignments(ctx, course, items, res)
		}
		res.Items = append(res.Items, items...)
	}
}

// extractBoard runs an extractor, converting a panic into an ExtractionError
// so a hostile page only costs its own board.
func (s *Scraper) extractBoard(res *Result, course watcher.Course, board string, fn func() []*watcher.Item) (items []*watcher.Item, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			items, ok = nil, false
			s.record(res, watcher.ErrorKindException, course, board, &ExtractionError{Board: board, Err: fmt.Errorf("panic: %v", r)})
		}
	}()
	return fn(), true
}

// enrichAssignments opens the detail page of online assignments the list
// view left without a due date. When the detail page lacks both due date
// and points, the new-attempt view is merged in, keeping the submission
// status of the detail page. Items whose detail page could not be read are
// dropped from the result rather than emitted half-filled.
func (s *Scraper) enrichAssignments(ctx context.Context, course watcher.Course, items []*watcher.Item, res *Result) []*watcher.Item {
	kept := items[:0:0]
	for _, it := range items {
		a, ok := it.Details.(*watcher.Assignment)
		if !ok || !extract.NeedsDetail(a) {
			kept = append(kept, it)
			continue
		}
		if ctx.Err() != nil {
			return kept
		}
		if err := s.enrichAssignment(ctx, a); err != nil {
			s.record(res, watcher.ErrorKindException, course, BoardAssignmentsDetail, err)
			continue
		}
		it.Refresh()
		kept = append(kept, it)
	}
	return kept
}

func (s *Scraper) enrichAssignment(ctx context.Context, a *watcher.Assignment) error {
	markup, pageURL, err := s.visit(ctx, extract.DetailURL(a), s.opts.DetailSettleDelay)
	if err != nil {
		return err
	}
	info := extract.AssignmentDetail(markup)

	if !info.HasDueOrPoints() {
		if attemptURL := extract.NewAttemptURL(markup, pageURL); attemptURL != "" {
			s.logger.Info("Following new attempt link", "url", attemptURL)
			attempt, _, err := s.visit(ctx, attemptURL, s.opts.DetailSettleDelay)
			if err != nil {
				return err
			}
			info = info.MergeAttempt(extract.AssignmentDetail(attempt))
		}
	}

	info.Apply(a)
	return nil
}

// visit navigates to url, waits for the page to settle and returns the
// markup and the final URL.
func (s *Scraper) visit(ctx context.Context, url string, settle time.Duration) (markup, finalURL string, err error) {
	if err := s.navigate(ctx, url); err != nil {
		return "", "", err
	}
	if settle > 0 {
		if err := s.browser.Wait(ctx, settle); err != nil {
			return "", "", fmt.Errorf("settle: %w", err)
		}
	}
	markup, err = s.browser.Content(ctx)
	if err != nil {
		return "", "", fmt.Errorf("read content of %s: %w", url, err)
	}
	return markup, s.browser.CurrentURL(), nil
}

// navigate loads url, retrying transient failures with a linearly growing
// delay.
func (s *Scraper) navigate(ctx context.Context, url string) error {
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return s.browser.Navigate(ctx, url, WaitDOMContentLoaded, s.opts.NavTimeout)
		},
		retry.Attempts(uint(s.opts.Retries)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.backoff(n)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("Transient navigation failure, retrying",
				"url", url,
				"attempt", n+1,
				"max_attempts", s.opts.Retries,
				"error", err)
		}),
		retry.RetryIf(IsTransient),
	)
	if err != nil {
		return &NavigationFailure{URL: url, Attempts: attempts, Err: err}
	}
	return nil
}

// backoff is the wait before retry n, where n counts attempts made so far.
func (s *Scraper) backoff(n uint) time.Duration {
	return s.opts.RetryBase * time.Duration(n)
}

func (s *Scraper) record(res *Result, kind string, course watcher.Course, board string, err error) {
	if kind == watcher.ErrorKindMissingMenu {
		s.logger.Info("Board skipped", "course_id", course.CourseID, "board", board, "reason", err)
	} else {
		s.logger.Warn("Board failed", "course_id", course.CourseID, "board", board, "error", err)
	}
	res.Errors = append(res.Errors, runError(kind, course, board, err))
}

func runError(kind string, course watcher.Course, board string, err error) watcher.RunError {
	return watcher.RunError{
		Kind:       kind,
		CourseID:   course.CourseID,
		CourseName: course.Name,
		Board:      board,
		Error:      err.Error(),
	}
}
