package notify

import (
	"bb-watcher/extract"
	"bb-watcher/pkg/watcher"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ExcerptLimit caps free-text body fields, in runes.
const ExcerptLimit = 180

// maxDiffLines bounds the field list of an update message.
const maxDiffLines = 6

// gradeCategoryAssignment is the grade item category used for assignments.
const gradeCategoryAssignment = "作业"

// Message kinds.
const (
	KindNewAnnouncement     = "新通知"
	KindNewTeachingContent  = "新教学内容"
	KindNewAssignment       = "新作业"
	KindNewGradeItem        = "新成绩项"
	KindAssignmentGraded    = "作业出分"
	KindGradePosted         = "成绩出分"
	KindAssignmentRegraded  = "作业成绩变动"
	KindGradeChanged        = "成绩变动"
	KindGradeItemUpdated    = "成绩项更新"
	KindAssignmentUpdated   = "作业条目更新"
	KindAnnouncementUpdated = "通知更新"
	KindContentUpdated      = "教学内容更新"
)

var (
	coursePrefixRe = regexp.MustCompile(`^\s*\d[\w-]*\s*[:：]\s*`)
	courseTermRe   = regexp.MustCompile(`\s*[(（][^()（）]*[)）]\s*$`)
)

// Message is one push notification.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// FirstLine returns the first body line, used for logging.
func (m Message) FirstLine() string {
	line, _, _ := strings.Cut(m.Body, "\n")
	return line
}

// DisplayCourseName strips a leading course code ("25261-XYZ001: ") and a
// trailing term suffix ("(25-26学年第1学期)") from a course name.
func DisplayCourseName(name string) string {
	s := coursePrefixRe.ReplaceAllString(name, "")
	s = strings.TrimSpace(courseTermRe.ReplaceAllString(s, ""))
	if s == "" {
		return strings.TrimSpace(name)
	}
	return s
}

// Excerpt collapses whitespace and caps text at limit runes, marking a cut
// with "…".
func Excerpt(text string, limit int) string {
	s := watcher.Normalize(text)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}

func compose(kind string, it *watcher.Item, lines []string) Message {
	title := kind
	if course := DisplayCourseName(it.CourseName); course != "" {
		title = "[" + course + "] " + kind
	}
	var body []string
	if t := strings.TrimSpace(it.Title); t != "" {
		body = append(body, t)
	}
	for _, l := range lines {
		if l != "" {
			body = append(body, l)
		}
	}
	return Message{
		Title: title,
		Body:  strings.TrimSpace(strings.Join(body, "\n")),
		URL:   strings.TrimSpace(it.URL),
	}
}

func yesNo(b bool) string {
	if b {
		return "是"
	}
	return "否"
}

func hasNone(b bool) string {
	if b {
		return "有"
	}
	return "无"
}

func submittedLabel(b bool) string {
	if b {
		return "已提交"
	}
	return "未提交"
}

// fraction renders "grade/points", dropping the slash when points are empty.
func fraction(grade, points string) string {
	return strings.TrimSuffix(grade+"/"+points, "/")
}

// change renders "label: from -> to"; an empty side collapses.
func change(label, from, to string) string {
	return watcher.Normalize(label + ": " + from + " -> " + to)
}

// NewItemMessage composes the message for a never-notified item.
func NewItemMessage(it *watcher.Item) Message {
	switch d := it.Details.(type) {
	case *watcher.Announcement:
		var lines []string
		if published := firstNonEmpty(d.PublishedAt, d.PublishedAtRaw); published != "" {
			lines = append(lines, "发布时间: "+published)
		}
		if d.Author != "" {
			lines = append(lines, "发帖者: "+d.Author)
		}
		if c := Excerpt(d.Content, ExcerptLimit); c != "" {
			lines = append(lines, "内容: "+c)
		}
		return compose(KindNewAnnouncement, it, lines)

	case *watcher.TeachingContent:
		lines := []string{"附件: " + hasNone(d.HasAttachments)}
		if c := Excerpt(d.Content, ExcerptLimit); c != "" {
			lines = append(lines, "内容: "+c)
		}
		return compose(KindNewTeachingContent, it, lines)

	case *watcher.Assignment:
		lines := []string{"在线提交: " + yesNo(d.IsOnlineSubmission)}
		if due := d.DueDisplay(); due != "" {
			lines = append(lines, "到期: "+due)
		}
		if d.PointsPossibleRaw != "" {
			lines = append(lines, "满分: "+d.PointsPossibleRaw)
		}
		return compose(KindNewAssignment, it, lines)

	case *watcher.GradeItem:
		var lines []string
		if d.Category != "" {
			lines = append(lines, "类别: "+d.Category)
		}
		grade, points := strings.TrimSpace(d.GradeRaw), strings.TrimSpace(d.PointsPossibleRaw)
		if grade != "" || points != "" {
			lines = append(lines, "成绩: "+fraction(grade, points))
		}
		if due := d.DueDisplay(); due != "" {
			lines = append(lines, "到期: "+due)
		}
		if last := d.LastActivityDisplayed(); last != "" {
			lines = append(lines, "时间: "+last)
		}
		return compose(KindNewGradeItem, it, lines)
	}
	return compose(string(it.Source), it, nil)
}

// UpdateMessage composes the message for an item whose state advanced past
// the notified details old. Returns nil when no field the source reports on
// differs.
func UpdateMessage(it *watcher.Item, old watcher.Details) *Message {
	switch d := it.Details.(type) {
	case *watcher.GradeItem:
		prev, _ := old.(*watcher.GradeItem)
		if prev == nil {
			prev = &watcher.GradeItem{}
		}
		return gradeItemUpdate(it, prev, d)
	case *watcher.Assignment:
		prev, _ := old.(*watcher.Assignment)
		if prev == nil {
			prev = &watcher.Assignment{}
		}
		return assignmentUpdate(it, prev, d)
	case *watcher.Announcement:
		prev, _ := old.(*watcher.Announcement)
		if prev == nil {
			prev = &watcher.Announcement{}
		}
		return announcementUpdate(it, prev, d)
	case *watcher.TeachingContent:
		prev, _ := old.(*watcher.TeachingContent)
		if prev == nil {
			prev = &watcher.TeachingContent{}
		}
		return contentUpdate(it, prev, d)
	}
	return nil
}

func gradeItemUpdate(it *watcher.Item, prev, cur *watcher.GradeItem) *Message {
	n := watcher.Normalize
	category, oldCategory := n(cur.Category), n(prev.Category)
	grade, oldGrade := n(cur.GradeRaw), n(prev.GradeRaw)
	points, oldPoints := n(cur.PointsPossibleRaw), n(prev.PointsPossibleRaw)
	due, oldDue := n(cur.DueDisplay()), n(prev.DueDisplay())
	status, oldStatus := n(cur.Status), n(prev.Status)

	isAssignment := category == gradeCategoryAssignment || oldCategory == gradeCategoryAssignment

	if extract.IsMissing(oldGrade) && !extract.IsMissing(grade) {
		kind := KindGradePosted
		if isAssignment {
			kind = KindAssignmentGraded
		}
		var lines []string
		if category != "" {
			lines = append(lines, "类别: "+category)
		}
		lines = append(lines, "成绩: "+fraction(grade, points))
		if due != "" {
			lines = append(lines, "到期: "+due)
		}
		if status != "" {
			lines = append(lines, "状态: "+status)
		}
		msg := compose(kind, it, lines)
		return &msg
	}

	if oldGrade != grade {
		kind := KindGradeChanged
		if isAssignment {
			kind = KindAssignmentRegraded
		}
		var lines []string
		if category != "" {
			lines = append(lines, "类别: "+category)
		}
		lines = append(lines, change("成绩", oldGrade, grade))
		if points != "" {
			lines = append(lines, "满分: "+points)
		}
		if due != oldDue {
			lines = append(lines, change("到期", oldDue, due))
		}
		if status != oldStatus {
			lines = append(lines, change("状态", oldStatus, status))
		}
		msg := compose(kind, it, capLines(lines))
		return &msg
	}

	var diffs []string
	if oldPoints != points {
		diffs = append(diffs, change("满分", oldPoints, points))
	}
	if oldDue != due {
		diffs = append(diffs, change("到期", oldDue, due))
	}
	if oldStatus != status {
		diffs = append(diffs, change("状态", oldStatus, status))
	}
	if oldCategory != category {
		diffs = append(diffs, change("类别", oldCategory, category))
	}
	if len(diffs) == 0 {
		return nil
	}
	msg := compose(KindGradeItemUpdated, it, capLines(diffs))
	return &msg
}

func assignmentUpdate(it *watcher.Item, prev, cur *watcher.Assignment) *Message {
	n := watcher.Normalize
	var diffs []string
	if prev.IsOnlineSubmission != cur.IsOnlineSubmission {
		diffs = append(diffs, change("在线提交", yesNo(prev.IsOnlineSubmission), yesNo(cur.IsOnlineSubmission)))
	}
	if prev.Submitted != cur.Submitted {
		diffs = append(diffs, change("提交状态", submittedLabel(prev.Submitted), submittedLabel(cur.Submitted)))
	}
	if a, b := n(prev.SubmittedAtRaw), n(cur.SubmittedAtRaw); a != b {
		diffs = append(diffs, change("提交时间", a, b))
	}
	if a, b := n(prev.DueDisplay()), n(cur.DueDisplay()); a != b {
		diffs = append(diffs, change("到期", a, b))
	}
	if a, b := n(prev.PointsPossibleRaw), n(cur.PointsPossibleRaw); a != b {
		diffs = append(diffs, change("满分", a, b))
	}
	if a, b := n(prev.GradeRaw), n(cur.GradeRaw); a != b {
		diffs = append(diffs, change("成绩", a, b))
	}
	if a, b := n(prev.LinkURL()), n(cur.LinkURL()); a != b && (a != "" || b != "") {
		diffs = append(diffs, "链接发生变化")
	}
	if len(diffs) == 0 {
		return nil
	}
	msg := compose(KindAssignmentUpdated, it, capLines(diffs))
	return &msg
}

func announcementUpdate(it *watcher.Item, prev, cur *watcher.Announcement) *Message {
	var lines []string
	if a, b := firstNonEmpty(prev.PublishedAt, prev.PublishedAtRaw), firstNonEmpty(cur.PublishedAt, cur.PublishedAtRaw); a != b {
		lines = append(lines, change("发布时间", a, b))
	}
	if watcher.Normalize(prev.Content) != watcher.Normalize(cur.Content) {
		lines = append(lines, "内容: "+Excerpt(cur.Content, ExcerptLimit))
	}
	if len(lines) == 0 {
		return nil
	}
	msg := compose(KindAnnouncementUpdated, it, lines)
	return &msg
}

func contentUpdate(it *watcher.Item, prev, cur *watcher.TeachingContent) *Message {
	var lines []string
	if prev.HasAttachments != cur.HasAttachments {
		lines = append(lines, change("附件", hasNone(prev.HasAttachments), hasNone(cur.HasAttachments)))
	}
	if watcher.Normalize(prev.Content) != watcher.Normalize(cur.Content) {
		lines = append(lines, "内容: "+Excerpt(cur.Content, ExcerptLimit))
	}
	if len(lines) == 0 {
		return nil
	}
	msg := compose(KindContentUpdated, it, lines)
	return &msg
}

func capLines(lines []string) []string {
	if len(lines) > maxDiffLines {
		return lines[:maxDiffLines]
	}
	return lines
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
