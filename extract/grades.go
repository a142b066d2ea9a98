package extract

import (
	"bb-watcher/pkg/watcher"
	"regexp"
	"strings"
)

var (
	gradeRowStartRe      = regexp.MustCompile(`(?i)<div\s+id="\d+"[^>]*\srole="row"`)
	gradeRowIDRe         = regexp.MustCompile(`(?is)<div\s+id="(\d+)"`)
	lastActivityAttrRe   = regexp.MustCompile(`(?is)lastactivity="(\d+)"`)
	dueDateAttrRe        = regexp.MustCompile(`(?is)duedate="(\d+)"`)
	itemsColumnRe        = regexp.MustCompile(`(?is)<!--\s*Items Column\s*-->\s*<div class="cell gradable"[^>]*>(.*?)<!--\s*Activity Column\s*-->`)
	activityColumnRe     = regexp.MustCompile(`(?is)<!--\s*Activity Column\s*-->\s*<div class="cell activity[^>]*>(.*?)<!--\s*Grade Column\s*-->`)
	gradeColumnRe        = regexp.MustCompile(`(?is)<!--\s*Grade Column\s*-->\s*<div class="cell grade"[^>]*>(.*?)<!--\s*Status Column\s*-->`)
	anchorTagRe          = regexp.MustCompile(`(?is)(<a\b[^>]*>.*?</a>)`)
	hrefAttrRe           = regexp.MustCompile(`(?is)href="([^"]+)"`)
	onclickAttrRe        = regexp.MustCompile(`(?is)onclick="([^"]+)"`)
	loadFrameSingleRe    = regexp.MustCompile(`(?is)loadContentFrame\('([^']+)'\)`)
	loadFrameDoubleRe    = regexp.MustCompile(`(?is)loadContentFrame\("([^"]+)"\)`)
	anyAnchorTextRe      = regexp.MustCompile(`(?is)<a[^>]*>(.*?)</a>`)
	anySpanTextRe        = regexp.MustCompile(`(?is)<span[^>]*>(.*?)</span>`)
	itemCategoryRe       = regexp.MustCompile(`(?is)<div class="itemCat"[^>]*>(.*?)</div>`)
	dueDisplayRe         = regexp.MustCompile(`(?is)到期日期:\s*([0-9]{4}-[0-9]{1,2}-[0-9]{1,2})`)
	lastActivityDateRe   = regexp.MustCompile(`(?is)<span class="lastActivityDate"[^>]*>(.*?)</span>`)
	activityTypeRe       = regexp.MustCompile(`(?is)<span class="activityType"[^>]*>(.*?)</span>`)
	gradeSpanRe          = regexp.MustCompile(`(?is)<span class="grade"[^>]*>(.*?)</span>`)
	pointsPossibleSpanRe = regexp.MustCompile(`(?is)<span class="pointsPossible[^"]*"[^>]*>(.*?)</span>`)
)

// Grades parses the personal grades board. Rows are delimited by their
// row-id divs; columns by the comment markers the portal emits between them.
// Rows lacking an id or a title are dropped.
func Grades(markup string, c Context) []*watcher.Item {
	courseID := firstNonEmpty(c.CourseID, firstGroup(courseIDParamRe, markup), firstGroup(courseIDScriptRe, markup))
	courseName := firstNonEmpty(c.CourseName, pageTitle(markup))
	base := firstNonEmpty(c.PageURL, c.BaseURL)

	locs := gradeRowStartRe.FindAllStringIndex(markup, -1)
	if len(locs) == 0 {
		return nil
	}

	var items []*watcher.Item
	for i, loc := range locs {
		end := len(markup)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		seg := markup[loc[0]:end]

		rowID := firstGroup(gradeRowIDRe, seg)
		itemsCol := firstGroup(itemsColumnRe, seg)
		title := TextFrom(unescape(firstOf(itemsCol, anyAnchorTextRe, anySpanTextRe)))
		if rowID == "" || title == "" {
			continue
		}

		anchor := firstGroup(anchorTagRe, itemsCol)
		target := firstGroup(hrefAttrRe, anchor)
		if target == "" || target == "#" || strings.HasPrefix(strings.ToLower(target), "javascript:") {
			target = firstOf(firstGroup(onclickAttrRe, anchor), loadFrameSingleRe, loadFrameDoubleRe)
		}
		link := ""
		if target != "" {
			link = ResolveURL(base, unescape(target))
		}

		activityCol := firstGroup(activityColumnRe, seg)
		gradeCol := firstGroup(gradeColumnRe, seg)
		gradeRaw := TextFrom(unescape(firstGroup(gradeSpanRe, gradeCol)))
		pointsRaw := strings.TrimSpace(strings.TrimLeft(TextFrom(unescape(firstGroup(pointsPossibleSpanRe, gradeCol))), "/"))

		lastActivityMS := parseMS(firstGroup(lastActivityAttrRe, seg))
		dueDateMS := parseMS(firstGroup(dueDateAttrRe, seg))

		items = append(items, watcher.NewItem(courseID, courseName, title, link, &watcher.GradeItem{
			RowID:               rowID,
			Category:            TextFrom(unescape(firstGroup(itemCategoryRe, itemsCol))),
			Status:              TextFrom(unescape(firstGroup(activityTypeRe, activityCol))),
			GradeRaw:            gradeRaw,
			Grade:               ParseGrade(gradeRaw),
			PointsPossibleRaw:   pointsRaw,
			PointsPossible:      ParseNumber(pointsRaw),
			LastActivityMS:      lastActivityMS,
			LastActivity:        msToISO(lastActivityMS),
			LastActivityDisplay: TextFrom(unescape(firstGroup(lastActivityDateRe, activityCol))),
			DueDateMS:           dueDateMS,
			DueDate:             msToISO(dueDateMS),
			DueDateDisplay:      NormalizeTimestamp(firstGroup(dueDisplayRe, itemsCol)),
		}))
	}
	return items
}
