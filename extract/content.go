package extract

import (
	"bb-watcher/pkg/watcher"
	"regexp"
)

var (
	itemDivHrefRe = regexp.MustCompile(`(?is)<div[^>]*class="[^"]*item[^"]*"[^>]*>.*?<a[^>]*href="([^"]+)"`)
	attachmentRe  = regexp.MustCompile(`/bbcswebdav/|/webapps/blackboard/execute/content/file\?`)
)

// TeachingContent parses the teaching materials board. Items without a
// title are skipped.
func TeachingContent(markup string, c Context) []*watcher.Item {
	courseID := firstNonEmpty(c.CourseID, firstGroup(courseIDInputRe, markup))
	courseName := firstNonEmpty(c.CourseName, pageTitle(markup))
	base := firstNonEmpty(c.PageURL, c.BaseURL)

	var items []*watcher.Item
	for _, m := range contentItemRe.FindAllStringSubmatch(markup, -1) {
		id, li := m[1], m[2]
		title := contentItemTitle(li)
		if title == "" {
			continue
		}

		link := ""
		if href := firstOf(li, itemDivHrefRe, h3HrefRe, anyHrefRe); href != "" {
			link = ResolveURL(base, unescape(href))
		}

		items = append(items, watcher.NewItem(courseID, courseName, title, link, &watcher.TeachingContent{
			ContentItemID:  id,
			Content:        TextFrom(unescape(firstGroup(vtbegeneratedRe, li))),
			HasAttachments: attachmentRe.MatchString(li),
		}))
	}
	return items
}
