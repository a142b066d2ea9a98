package scraper

import (
	"errors"
	"fmt"
	"strings"
)

// MenuNotFoundError indicates a board's menu link is absent from the course
// entry page. The board is skipped for that course.
type MenuNotFoundError struct {
	Board  string
	Labels []string
}

func (e *MenuNotFoundError) Error() string {
	return fmt.Sprintf("menu link not found for %s (tried %s)", e.Board, strings.Join(e.Labels, ", "))
}

// IsMenuNotFound checks if an error is a missing menu error.
func IsMenuNotFound(err error) bool {
	var missing *MenuNotFoundError
	return errors.As(err, &missing)
}

// NavigationFailure is returned once a page load has failed permanently or
// exhausted its retry budget.
type NavigationFailure struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NavigationFailure) Error() string {
	return fmt.Sprintf("navigate %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *NavigationFailure) Unwrap() error { return e.Err }

// ExtractionError wraps a panic raised while parsing a board's markup.
type ExtractionError struct {
	Board string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Board, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// transient is implemented by browser errors that know whether a retry
// could succeed.
type transient interface {
	Transient() bool
}

// IsTransient reports whether err was classified as a transient network
// failure by the browser.
func IsTransient(err error) bool {
	var t transient
	return errors.As(err, &t) && t.Transient()
}
