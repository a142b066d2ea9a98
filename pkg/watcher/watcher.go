// Package watcher contains the core domain types for the course portal watcher.
package watcher

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Source identifies the board an item was discovered on.
type Source string

// Known sources.
const (
	SourceAnnouncement    Source = "announcement"
	SourceTeachingContent Source = "teaching_content"
	SourceAssignment      Source = "assignment"
	SourceGradeItem       Source = "grade_item"
)

// Sources lists every known source in board order.
var Sources = []Source{SourceAnnouncement, SourceTeachingContent, SourceAssignment, SourceGradeItem}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	s = strings.TrimSpace(s)
	for _, src := range Sources {
		if string(src) == s {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

var courseKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`key=(_\d+_\d+)`),
	regexp.MustCompile(`course_id=(_\d+_\d+)`),
}

// Course is a course discovered on the portal page. Courses are not persisted.
type Course struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	CourseID string `json:"course_id"`
}

// CourseIDFromURL extracts the portal course key from a course URL.
// Returns "" when no known key pattern matches.
func CourseIDFromURL(rawURL string) string {
	for _, re := range courseKeyPatterns {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

// Score is a parsed grade or points cell. A cell holds a number, a status
// word, or nothing at all.
type Score struct {
	Number *float64 `json:"number,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// NumberScore wraps a numeric value.
func NumberScore(v float64) Score {
	return Score{Number: &v}
}

// Missing reports whether the cell was empty or a missing sentinel.
func (s Score) Missing() bool {
	return s.Number == nil && s.Text == ""
}

func (s Score) String() string {
	if s.Number != nil {
		return FormatNumber(*s.Number)
	}
	return s.Text
}

// FormatNumber renders a number without trailing zeros ("95", "92.5").
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Item is one unit of tracked content observed during a run.
type Item struct {
	Source     Source  `json:"source"`
	CourseID   string  `json:"course_id"`
	CourseName string  `json:"course_name"`
	Title      string  `json:"title"`
	URL        string  `json:"url"`
	Due        string  `json:"due,omitempty"`
	TS         string  `json:"ts,omitempty"`
	ExternalID string  `json:"external_id,omitempty"`
	Details    Details `json:"raw"`

	// Extra carries fields a board exposes that no decision reads.
	Extra map[string]string `json:"extra,omitempty"`
}

// NewItem builds an item and derives due/ts/external id from the details.
func NewItem(courseID, courseName, title, url string, d Details) *Item {
	it := &Item{
		Source:     d.Source(),
		CourseID:   strings.TrimSpace(courseID),
		CourseName: strings.TrimSpace(courseName),
		Title:      strings.TrimSpace(title),
		URL:        strings.TrimSpace(url),
		Details:    d,
	}
	it.Refresh()
	return it
}

// Refresh re-derives Due, TS and ExternalID after the details were modified.
func (it *Item) Refresh() {
	if it.Details == nil {
		return
	}
	it.Due = strings.TrimSpace(it.Details.due())
	it.TS = strings.TrimSpace(it.Details.timestamp())
	it.ExternalID = strings.TrimSpace(it.Details.externalID())
}

// UnmarshalJSON decodes an item, choosing the details variant by source.
func (it *Item) UnmarshalJSON(data []byte) error {
	type alias Item
	var aux struct {
		alias
		Details json.RawMessage `json:"raw"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*it = Item(aux.alias)
	d, err := DecodeDetails(aux.Source, aux.Details)
	if err != nil {
		return err
	}
	it.Details = d
	return nil
}

// Record is the persisted row for one identity.
type Record struct {
	FP          string `json:"fp"`
	CourseID    string `json:"course_id"`
	CourseName  string `json:"course_name"`
	Source      Source `json:"source"`
	ExternalID  string `json:"external_id"`
	StateFP     string `json:"state_fp"`
	SentStateFP string `json:"sent_state_fp"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	Due         string `json:"due"`
	TS          string `json:"ts"`
	RawJSON     string `json:"raw_json"`
	SentRawJSON string `json:"sent_raw_json,omitempty"` // raw_json as of the last notify/acknowledge
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	SentAt      string `json:"sent_at"`
}

// NotifiedDetails decodes the details the user was last told about,
// falling back to the latest observed details.
func (r *Record) NotifiedDetails() (Details, error) {
	raw := r.SentRawJSON
	if raw == "" {
		raw = r.RawJSON
	}
	return DecodeDetails(r.Source, []byte(raw))
}

// StatePair ties an identity to the state fingerprint being recorded.
type StatePair struct {
	FP      string
	StateFP string
}

// Error kinds recorded for a run.
const (
	ErrorKindMissingMenu = "missing_menu"
	ErrorKindException   = "exception"
)

// RunError is a non-fatal failure scoped to one board of one course.
type RunError struct {
	Kind       string `json:"kind"`
	CourseID   string `json:"course_id"`
	CourseName string `json:"course_name"`
	Board      string `json:"board"`
	Error      string `json:"error"`
}
