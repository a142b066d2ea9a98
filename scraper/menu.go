package scraper

import (
	"regexp"
	"strings"
)

// Menu labels per board, in priority order.
var (
	TeachingContentLabels = []string{"教学内容", "课程内容", "Course Content"}
	AssignmentsLabels     = []string{"课程作业", "作业", "Assignments"}
	GradesLabels          = []string{"个人成绩", "成绩", "My Grades"}
)

// FindMenuHref searches a course entry page for the menu link of a board.
// For each label in order it first tries an anchor wrapping exactly a span
// titled with the label, then an anchor followed by such a span. Returns the
// href with "&amp;" decoded, or "" when no label matches.
func FindMenuHref(markup string, labels []string) string {
	for _, label := range labels {
		q := regexp.QuoteMeta(label)
		exact := regexp.MustCompile(`(?is)<a[^>]*href="([^"]+)"[^>]*>\s*<span[^>]*title="` + q + `"[^>]*>\s*` + q + `\s*</span>\s*</a>`)
		if m := exact.FindStringSubmatch(markup); m != nil {
			return strings.ReplaceAll(m[1], "&amp;", "&")
		}
		loose := regexp.MustCompile(`(?i)<a[^>]*href="([^"]+)"[^>]*>\s*<span[^>]*title="` + q + `"`)
		if m := loose.FindStringSubmatch(markup); m != nil {
			return strings.ReplaceAll(m[1], "&amp;", "&")
		}
	}
	return ""
}
