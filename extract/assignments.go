package extract

import (
	"bb-watcher/pkg/watcher"
	"regexp"
	"strings"
)

const uploadAssignmentPath = "/webapps/assignment/uploadAssignment"

var (
	submissionHrefRe        = regexp.MustCompile(`(?is)<a[^>]*href="([^"]*/webapps/assignment/uploadAssignment[^"]*)"`)
	submissionOnclickRe     = regexp.MustCompile(`(?is)this\.href='([^']*/webapps/assignment/uploadAssignment[^']*)'`)
	submissionOnclickDqRe   = regexp.MustCompile(`(?is)this\.href=\\?"([^"\\]*/webapps/assignment/uploadAssignment[^"\\]*)\\?"`)
	newAttemptSingleQuoteRe = regexp.MustCompile(`(?i)document\.location\s*=\s*(?:\\)?'([^']*uploadAssignment\?action=newAttempt[^']*)'`)
	newAttemptDoubleQuoteRe = regexp.MustCompile(`(?i)document\.location\s*=\s*(?:\\)?"([^"]*uploadAssignment\?action=newAttempt[^"]*)"`)

	// Unsubmitted / new-attempt layout: metaLabel + metaField pairs.
	metaDueRe       = regexp.MustCompile(`(?is)<div[^>]*class="metaLabel"[^>]*>\s*到期日期\s*</div>\s*<div[^>]*class="metaField"[^>]*>(.*?)</div>`)
	metaPointsRe    = regexp.MustCompile(`(?is)<div[^>]*class="metaLabel"[^>]*>\s*满分\s*</div>\s*<div[^>]*class="metaField"[^>]*>(.*?)</div>`)
	metaSubmittedRe = regexp.MustCompile(`(?is)<div[^>]*class="metaLabel"[^>]*>\s*(?:提交时间|提交日期)\s*</div>\s*<div[^>]*class="metaField"[^>]*>(.*?)</div>`)

	// Submitted / graded layout: headings, pointsPossible spans and grade inputs.
	headingDueRe       = regexp.MustCompile(`(?is)<h3>\s*到期日期\s*</h3>\s*<p>\s*(.*?)\s*</p>`)
	headingSubmittedRe = regexp.MustCompile(`(?is)<h3>\s*(?:提交时间|提交日期)\s*</h3>\s*<p>\s*(.*?)\s*</p>`)
	pointsPossibleRe   = regexp.MustCompile(`(?i)class="pointsPossible"[^>]*>\s*/\s*([0-9]+(?:\.[0-9]+)?)`)
	aggregateGradeRe   = regexp.MustCompile(`(?is)<input[^>]*id="aggregateGrade"[^>]*value="([^"]*)"`)
	attemptGradeRe     = regexp.MustCompile(`(?is)<input[^>]*id="currentAttempt_grade"[^>]*value="([^"]*)"`)
)

// submissionEvidence lists markers that only appear once an attempt exists.
var submissionEvidence = []string{"已提交", "需要评分", "已评分", "查看提交"}

// Assignments parses the assignments list board.
func Assignments(markup string, c Context) []*watcher.Item {
	courseID := firstNonEmpty(c.CourseID, firstGroup(courseIDInputRe, markup))
	courseName := firstNonEmpty(c.CourseName, pageTitle(markup))
	base := firstNonEmpty(c.PageURL, c.BaseURL)

	resolve := func(href string) string {
		if href == "" {
			return ""
		}
		return ResolveURL(base, unescape(href))
	}

	var items []*watcher.Item
	for _, m := range contentItemRe.FindAllStringSubmatch(markup, -1) {
		id, li := m[1], m[2]
		title := contentItemTitle(li)
		if title == "" {
			continue
		}

		submissionURL := resolve(firstOf(li, submissionHrefRe, submissionOnclickRe, submissionOnclickDqRe))
		link := firstNonEmpty(submissionURL, resolve(firstOf(li, h3HrefRe, anyHrefRe)))

		items = append(items, watcher.NewItem(courseID, courseName, title, link, &watcher.Assignment{
			ContentItemID:      id,
			URL:                link,
			IsOnlineSubmission: strings.Contains(link, uploadAssignmentPath),
			SubmissionURL:      submissionURL,
		}))
	}
	return items
}

// NeedsDetail reports whether an assignment should be enriched from its
// detail page: online submissions with no due date whose link leads to the
// upload view.
func NeedsDetail(a *watcher.Assignment) bool {
	if !a.IsOnlineSubmission || a.DueAt != "" || a.DueAtRaw != "" {
		return false
	}
	return strings.Contains(DetailURL(a), uploadAssignmentPath)
}

// DetailURL is the page holding an assignment's details.
func DetailURL(a *watcher.Assignment) string {
	return strings.TrimSpace(firstNonEmpty(a.SubmissionURL, a.URL))
}

// AssignmentInfo holds the fields read from an assignment detail page.
type AssignmentInfo struct {
	DueAtRaw          string
	PointsPossibleRaw string
	PointsPossible    *float64
	GradeRaw          string
	Grade             watcher.Score
	AttemptGradeRaw   string
	AttemptGrade      watcher.Score
	Submitted         bool
	SubmittedAtRaw    string
	SubmittedEvidence string
}

// AssignmentDetail parses an assignment detail page. It understands both the
// meta-label layout of an unsubmitted or new-attempt view and the
// heading/input layout of a submitted view.
func AssignmentDetail(markup string) AssignmentInfo {
	var info AssignmentInfo

	if due := firstGroup(metaDueRe, markup); due != "" {
		info.DueAtRaw = TextFrom(unescape(due))
	}
	if info.DueAtRaw == "" {
		info.DueAtRaw = TextFrom(unescape(firstGroup(headingDueRe, markup)))
	}

	if points := firstGroup(metaPointsRe, markup); points != "" {
		info.PointsPossibleRaw = TextFrom(unescape(points))
	}
	if info.PointsPossibleRaw == "" {
		info.PointsPossibleRaw = firstGroup(pointsPossibleRe, markup)
	}
	info.PointsPossible = ParseNumber(info.PointsPossibleRaw)

	info.GradeRaw = firstGroup(aggregateGradeRe, markup)
	info.Grade = ParseGrade(info.GradeRaw)
	info.AttemptGradeRaw = firstGroup(attemptGradeRe, markup)
	info.AttemptGrade = ParseGrade(info.AttemptGradeRaw)

	info.SubmittedAtRaw = TextFrom(unescape(firstOf(markup, metaSubmittedRe, headingSubmittedRe)))
	switch {
	case info.SubmittedAtRaw != "":
		info.Submitted = true
		info.SubmittedEvidence = "submitted_at"
	case !info.AttemptGrade.Missing():
		info.Submitted = true
		info.SubmittedEvidence = "attempt_grade"
	default:
		for _, token := range submissionEvidence {
			if strings.Contains(markup, token) {
				info.Submitted = true
				info.SubmittedEvidence = token
				break
			}
		}
	}
	return info
}

// HasDueOrPoints reports whether the page carried any of the unified info
// block. A page with neither is a grading or history view.
func (i AssignmentInfo) HasDueOrPoints() bool {
	return i.DueAtRaw != "" || i.PointsPossibleRaw != ""
}

// MergeAttempt overlays the non-empty fields of a new-attempt view onto i.
// Submission status always stays with i: the new-attempt view is a blank
// submission form and would read as unsubmitted.
func (i AssignmentInfo) MergeAttempt(attempt AssignmentInfo) AssignmentInfo {
	if attempt.DueAtRaw != "" {
		i.DueAtRaw = attempt.DueAtRaw
	}
	if attempt.PointsPossibleRaw != "" {
		i.PointsPossibleRaw = attempt.PointsPossibleRaw
	}
	if attempt.PointsPossible != nil {
		i.PointsPossible = attempt.PointsPossible
	}
	if attempt.GradeRaw != "" {
		i.GradeRaw = attempt.GradeRaw
	}
	if !attempt.Grade.Missing() {
		i.Grade = attempt.Grade
	}
	if attempt.AttemptGradeRaw != "" {
		i.AttemptGradeRaw = attempt.AttemptGradeRaw
	}
	if !attempt.AttemptGrade.Missing() {
		i.AttemptGrade = attempt.AttemptGrade
	}
	return i
}

// Apply writes the non-empty detail fields into the assignment.
func (i AssignmentInfo) Apply(a *watcher.Assignment) {
	if i.DueAtRaw != "" {
		a.DueAtRaw = i.DueAtRaw
		if due, ok := ParseTimestamp(i.DueAtRaw); ok {
			a.DueAt = due
		}
	}
	if i.PointsPossibleRaw != "" {
		a.PointsPossibleRaw = i.PointsPossibleRaw
	}
	if i.PointsPossible != nil {
		a.PointsPossible = i.PointsPossible
	}
	if i.GradeRaw != "" {
		a.GradeRaw = i.GradeRaw
	}
	if !i.Grade.Missing() {
		a.Grade = i.Grade
	}
	if i.AttemptGradeRaw != "" {
		a.AttemptGradeRaw = i.AttemptGradeRaw
	}
	if !i.AttemptGrade.Missing() {
		a.AttemptGrade = i.AttemptGrade
	}
	if i.Submitted {
		a.Submitted = true
	}
	if i.SubmittedAtRaw != "" {
		a.SubmittedAtRaw = i.SubmittedAtRaw
	}
	if i.SubmittedEvidence != "" {
		a.SubmittedEvidence = i.SubmittedEvidence
	}
}

// NewAttemptURL finds the "start new attempt" link embedded in a detail
// page's script and resolves it against the page URL.
func NewAttemptURL(markup, pageURL string) string {
	href := firstOf(markup, newAttemptSingleQuoteRe, newAttemptDoubleQuoteRe)
	if href == "" {
		return ""
	}
	return ResolveURL(pageURL, unescape(href))
}
