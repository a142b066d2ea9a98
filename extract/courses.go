package extract

import (
	"bb-watcher/pkg/watcher"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const studentRoleLabel = "在以下课程中，您是学生"

var otherRoleLabels = []string{
	"在以下课程中，您是教师",
	"在以下课程中，您是助教",
	"在以下课程中，您是讲师",
}

// Course discovery strategies, reported for logging.
const (
	StrategyAfterRoleLabel = "after_role_label"
	StrategyRoleContainer  = "role_container"
	StrategyGlobalScan     = "global_scan"
)

// maxContainerDepth bounds the ancestor walk from the role label.
const maxContainerDepth = 6

func isCourseLink(href string) bool {
	for _, marker := range []string{"type=Course", "/webapps/blackboard/", "course_id=", "courseId=", "Course&id="} {
		if strings.Contains(href, marker) {
			return true
		}
	}
	return false
}

// Courses discovers the courses the user is enrolled in as a student on the
// portal page. It prefers the links listed after the student role label,
// then the label's nearest container holding course links, then every
// course-like link on the page. It returns the strategy that produced the
// result.
func Courses(markup, pageURL string) ([]watcher.Course, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, StrategyGlobalScan
	}

	label := findRoleLabel(doc)
	if label == nil {
		return courseLinks(doc.Find("a"), pageURL), StrategyGlobalScan
	}

	if courses := coursesAfter(doc, label, pageURL); len(courses) > 0 {
		return courses, StrategyAfterRoleLabel
	}

	container := doc.FindNodes(label)
	for i := 0; i < maxContainerDepth && container.Length() > 0; i++ {
		if courses := courseLinks(container.Find("a"), pageURL); len(courses) > 0 {
			return courses, StrategyRoleContainer
		}
		container = container.Parent()
	}

	return courseLinks(doc.Find("a"), pageURL), StrategyGlobalScan
}

func isLeaf(s *goquery.Selection) bool {
	return s.Children().Length() == 0
}

func findRoleLabel(doc *goquery.Document) *html.Node {
	var found *html.Node
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if isLeaf(s) && strings.Contains(s.Text(), studentRoleLabel) {
			found = s.Get(0)
			return false
		}
		return true
	})
	return found
}

// coursesAfter collects course links following label in document order,
// stopping at the next role label.
func coursesAfter(doc *goquery.Document, label *html.Node, pageURL string) []watcher.Course {
	var (
		started bool
		courses []watcher.Course
		seen    = map[string]bool{}
	)
	doc.Find("body *").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !started {
			started = s.Get(0) == label
			return true
		}
		if isLeaf(s) && containsAny(s.Text(), otherRoleLabels) {
			return false
		}
		if goquery.NodeName(s) == "a" {
			if c, ok := courseFromAnchor(s, pageURL); ok && !seen[c.URL] {
				seen[c.URL] = true
				courses = append(courses, c)
			}
		}
		return true
	})
	return courses
}

func courseLinks(anchors *goquery.Selection, pageURL string) []watcher.Course {
	var courses []watcher.Course
	seen := map[string]bool{}
	anchors.Each(func(_ int, s *goquery.Selection) {
		if c, ok := courseFromAnchor(s, pageURL); ok && !seen[c.URL] {
			seen[c.URL] = true
			courses = append(courses, c)
		}
	})
	return courses
}

func courseFromAnchor(s *goquery.Selection, pageURL string) (watcher.Course, bool) {
	href, ok := s.Attr("href")
	if !ok {
		return watcher.Course{}, false
	}
	link := ResolveURL(pageURL, href)
	name := watcher.Normalize(s.Text())
	if name == "" || link == "" || !isCourseLink(link) {
		return watcher.Course{}, false
	}
	return watcher.Course{Name: name, URL: link, CourseID: watcher.CourseIDFromURL(link)}, true
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
