package extract

import (
	"bb-watcher/pkg/watcher"
	"regexp"
	"strings"
)

var (
	announcementListRe   = regexp.MustCompile(`(?is)(<ul[^>]*id="announcementList"[^>]*>.*?</ul>)`)
	announcementItemRe   = regexp.MustCompile(`(?is)<li[^>]*class="[^"]*clearfix[^"]*"[^>]*id="([^"]+)"[^>]*>(.*?)</li>`)
	announcementTitleRe  = regexp.MustCompile(`(?is)<h3[^>]*class="[^"]*item[^"]*"[^>]*>(.*?)</h3>`)
	announcementPubRe    = regexp.MustCompile(`(?is)发布时间:\s*([^<]+)</span>`)
	announcementAuthorRe = regexp.MustCompile(`(?is)发帖者:\s*</span>\s*([^<]+)</p>`)
)

// Announcements parses a course announcement board. The course entry page
// usually is this board.
func Announcements(markup string, c Context) []*watcher.Item {
	courseID := firstNonEmpty(c.CourseID, firstGroup(courseIDInputRe, markup))
	courseName := c.CourseName
	if courseName == "" {
		courseName = pageTitle(markup)
		if _, after, ok := strings.Cut(courseName, "–"); ok {
			courseName = strings.TrimSpace(after)
		}
	}

	list := firstGroup(announcementListRe, markup)
	if list == "" {
		return nil
	}

	base := c.PageURL
	if base == "" && c.BaseURL != "" && courseID != "" {
		base = strings.TrimRight(c.BaseURL, "/") +
			"/webapps/blackboard/execute/announcement?method=search&context=course_entry" +
			"&course_id=" + courseID + "&handle=announcements_entry&mode=view"
	}

	var items []*watcher.Item
	for _, m := range announcementItemRe.FindAllStringSubmatch(list, -1) {
		id, li := m[1], m[2]

		publishedRaw := firstGroup(announcementPubRe, li)
		publishedAt, _ := ParseTimestamp(publishedRaw)

		link := base
		if link != "" && id != "" {
			link, _, _ = strings.Cut(link, "#")
			link += "#" + id
		}

		items = append(items, watcher.NewItem(courseID, courseName,
			TextFrom(unescape(firstGroup(announcementTitleRe, li))),
			link,
			&watcher.Announcement{
				AnnouncementID: id,
				Content:        TextFrom(unescape(firstGroup(vtbegeneratedRe, li))),
				PublishedAt:    publishedAt,
				PublishedAtRaw: publishedRaw,
				Author:         firstGroup(announcementAuthorRe, li),
			}))
	}
	return items
}
