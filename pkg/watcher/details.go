package watcher

import (
	"encoding/json"
	"fmt"
)

// Details holds the source-specific fields of an item. Each board has its
// own variant carrying only what extraction and diffing read.
type Details interface {
	Source() Source
	// StateFields is the projection of mutable, notification-relevant
	// detail fields. Sources whose title is tracked get it added by StateFP.
	StateFields() map[string]string

	externalID() string
	due() string
	timestamp() string
}

// Announcement is an entry of a course announcement board.
type Announcement struct {
	AnnouncementID string `json:"announcement_id"`
	Content        string `json:"content"`
	PublishedAt    string `json:"published_at"`
	PublishedAtRaw string `json:"published_at_raw"`
	Author         string `json:"author"`
}

func (a *Announcement) Source() Source     { return SourceAnnouncement }
func (a *Announcement) externalID() string { return a.AnnouncementID }
func (a *Announcement) due() string        { return "" }
func (a *Announcement) timestamp() string  { return a.PublishedAt }

// StateFields implements Details.
func (a *Announcement) StateFields() map[string]string {
	return map[string]string{
		"content":      a.Content,
		"published_at": a.PublishedAt,
	}
}

// TeachingContent is an entry of the teaching materials board.
type TeachingContent struct {
	ContentItemID  string `json:"content_item_id"`
	Content        string `json:"content"`
	HasAttachments bool   `json:"has_attachments"`
}

func (c *TeachingContent) Source() Source     { return SourceTeachingContent }
func (c *TeachingContent) externalID() string { return c.ContentItemID }
func (c *TeachingContent) due() string        { return "" }
func (c *TeachingContent) timestamp() string  { return "" }

// StateFields implements Details.
func (c *TeachingContent) StateFields() map[string]string {
	return map[string]string{
		"content":         c.Content,
		"has_attachments": boolField(c.HasAttachments),
	}
}

// Assignment is an entry of the assignments board, optionally enriched from
// its detail page.
type Assignment struct {
	ContentItemID      string   `json:"content_item_id"`
	URL                string   `json:"url"`
	IsOnlineSubmission bool     `json:"is_online_submission"`
	SubmissionURL      string   `json:"submission_url"`
	PublishedAt        string   `json:"published_at,omitempty"`
	DueAt              string   `json:"due_at,omitempty"`
	DueAtRaw           string   `json:"due_at_raw,omitempty"`
	PointsPossibleRaw  string   `json:"points_possible_raw,omitempty"`
	PointsPossible     *float64 `json:"points_possible,omitempty"`
	GradeRaw           string   `json:"grade_raw,omitempty"`
	Grade              Score    `json:"grade"`
	AttemptGradeRaw    string   `json:"attempt_grade_raw,omitempty"`
	AttemptGrade       Score    `json:"attempt_grade"`
	Submitted          bool     `json:"submitted"`
	SubmittedAtRaw     string   `json:"submitted_at_raw,omitempty"`
	SubmittedEvidence  string   `json:"submitted_evidence,omitempty"`
}

func (a *Assignment) Source() Source     { return SourceAssignment }
func (a *Assignment) externalID() string { return a.ContentItemID }
func (a *Assignment) timestamp() string  { return a.PublishedAt }

func (a *Assignment) due() string {
	if a.DueAt != "" {
		return a.DueAt
	}
	return a.DueAtRaw
}

// DueDisplay is the best available due date.
func (a *Assignment) DueDisplay() string { return a.due() }

// LinkURL is the link the diff engine compares.
func (a *Assignment) LinkURL() string {
	if a.URL != "" {
		return a.URL
	}
	return a.SubmissionURL
}

// StateFields implements Details.
func (a *Assignment) StateFields() map[string]string {
	return map[string]string{
		"is_online_submission": boolField(a.IsOnlineSubmission),
		"submitted":            boolField(a.Submitted),
		"submitted_at_raw":     a.SubmittedAtRaw,
		"due":                  a.due(),
		"points_possible_raw":  a.PointsPossibleRaw,
		"grade_raw":            a.GradeRaw,
		"url":                  a.LinkURL(),
	}
}

// GradeItem is a row of the personal grades board.
type GradeItem struct {
	RowID               string   `json:"row_id"`
	Category            string   `json:"category"`
	Status              string   `json:"status"`
	GradeRaw            string   `json:"grade_raw"`
	Grade               Score    `json:"grade"`
	PointsPossibleRaw   string   `json:"points_possible_raw"`
	PointsPossible      *float64 `json:"points_possible,omitempty"`
	LastActivityMS      int64    `json:"lastactivity_ms,omitempty"`
	LastActivity        string   `json:"lastactivity,omitempty"`
	LastActivityDisplay string   `json:"lastactivity_display,omitempty"`
	DueDateMS           int64    `json:"duedate_ms,omitempty"`
	DueDate             string   `json:"duedate,omitempty"`
	DueDateDisplay      string   `json:"duedate_display,omitempty"`
}

func (g *GradeItem) Source() Source     { return SourceGradeItem }
func (g *GradeItem) externalID() string { return g.RowID }
func (g *GradeItem) timestamp() string  { return g.LastActivity }

func (g *GradeItem) due() string {
	if g.DueDate != "" {
		return g.DueDate
	}
	return g.DueDateDisplay
}

// DueDisplay prefers the date printed on the page over the attribute value.
func (g *GradeItem) DueDisplay() string {
	if g.DueDateDisplay != "" {
		return g.DueDateDisplay
	}
	return g.DueDate
}

// LastActivityDisplayed prefers the normalized attribute value.
func (g *GradeItem) LastActivityDisplayed() string {
	if g.LastActivity != "" {
		return g.LastActivity
	}
	return g.LastActivityDisplay
}

// StateFields implements Details.
func (g *GradeItem) StateFields() map[string]string {
	return map[string]string{
		"category":            g.Category,
		"status":              g.Status,
		"grade_raw":           g.GradeRaw,
		"points_possible_raw": g.PointsPossibleRaw,
		"due":                 g.DueDisplay(),
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// DecodeDetails decodes persisted details for a source. Empty input yields
// zero-valued details.
func DecodeDetails(src Source, raw []byte) (Details, error) {
	var d Details
	switch src {
	case SourceAnnouncement:
		d = &Announcement{}
	case SourceTeachingContent:
		d = &TeachingContent{}
	case SourceAssignment:
		d = &Assignment{}
	case SourceGradeItem:
		d = &GradeItem{}
	default:
		return nil, fmt.Errorf("decode details: unknown source %q", src)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", src, err)
	}
	return d, nil
}
