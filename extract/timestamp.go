package extract

import (
	"bb-watcher/pkg/watcher"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SourceZone is the portal institution's fixed offset, assumed whenever a
// timestamp carries no zone of its own.
var SourceZone = time.FixedZone("UTC+8", 8*60*60)

const dateLayout = "2006-01-02"

var (
	cnLongRe = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日\s*` +
		`(?:星期[一二三四五六日天]\s*)?` +
		`(上午|下午|中午|晚上|AM|PM|am|pm)?\s*` +
		`(\d{1,2})时(\d{1,2})分(\d{1,2})秒` +
		`(?:\s+([A-Za-z]{2,5}))?`)
	dateTimeRe = regexp.MustCompile(`^(\d{2}|\d{4})[-/](\d{1,2})[-/](\d{1,2})\s+` +
		`(?:(上午|下午|中午|晚上|AM|PM|am|pm)\s*)?` +
		`(\d{1,2}):(\d{2})(?::(\d{2}))?` +
		`(?:\s*(上午|下午|中午|晚上|AM|PM|am|pm))?$`)
	dateOnlyRe = regexp.MustCompile(`^(\d{4})[-/](\d{1,2})[-/](\d{1,2})$`)
)

// NormalizeTimestamp converts a portal timestamp to canonical ISO-8601:
// RFC 3339 for date-times, YYYY-MM-DD for bare dates. Input it cannot parse
// is returned unchanged.
func NormalizeTimestamp(raw string) string {
	if v, ok := ParseTimestamp(raw); ok {
		return v
	}
	return raw
}

// ParseTimestamp is NormalizeTimestamp reporting whether parsing succeeded.
//
// Accepted forms:
//   - ISO-8601 with offset
//   - 2025年10月18日 星期六 下午11时59分59秒 [TZ]
//   - 2025-10-18 [上午|下午|AM|PM] 11:59[:59] [上午|下午|AM|PM]
//   - 25-10-18 11:59 (two-digit year)
//   - 2025-9-26
func ParseTimestamp(raw string) (string, bool) {
	text := watcher.Normalize(raw)
	if text == "" {
		return "", false
	}

	if t, err := time.Parse(time.RFC3339, strings.Replace(text, " ", "T", 1)); err == nil {
		return t.Format(time.RFC3339), true
	}

	if m := cnLongRe.FindStringSubmatch(text); m != nil {
		loc := SourceZone
		switch strings.ToUpper(m[8]) {
		case "UTC", "GMT":
			loc = time.UTC
		}
		return buildDateTime(m[1], m[2], m[3], m[5], m[6], m[7], m[4], loc)
	}

	if m := dateTimeRe.FindStringSubmatch(text); m != nil {
		year := m[1]
		if len(year) == 2 {
			year = "20" + year
		}
		marker := firstNonEmpty(m[4], m[8])
		return buildDateTime(year, m[2], m[3], m[5], m[6], m[7], marker, SourceZone)
	}

	if m := dateOnlyRe.FindStringSubmatch(text); m != nil {
		y, mo, d := atoi(m[1]), atoi(m[2]), atoi(m[3])
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, SourceZone)
		if !sameDate(t, y, mo, d) {
			return "", false
		}
		return t.Format(dateLayout), true
	}

	return "", false
}

func buildDateTime(year, month, day, hour, minute, second, marker string, loc *time.Location) (string, bool) {
	y, mo, d := atoi(year), atoi(month), atoi(day)
	h, mi, s := atoi(hour), atoi(minute), atoi(second)
	h = applyMarker(h, marker)
	if h > 23 || mi > 59 || s > 59 {
		return "", false
	}
	t := time.Date(y, time.Month(mo), d, h, mi, s, 0, loc)
	if !sameDate(t, y, mo, d) {
		return "", false
	}
	return t.Format(time.RFC3339), true
}

// applyMarker adjusts a 12-hour clock value by its 上午/下午 style marker.
func applyMarker(hour int, marker string) int {
	switch strings.ToUpper(marker) {
	case "下午", "晚上", "PM":
		if hour < 12 {
			return hour + 12
		}
	case "上午", "AM":
		if hour == 12 {
			return 0
		}
	case "中午":
		if hour < 11 {
			return hour + 12
		}
	}
	return hour
}

// sameDate rejects dates time.Date had to normalize, such as Feb 30.
func sameDate(t time.Time, y, mo, d int) bool {
	return t.Year() == y && int(t.Month()) == mo && t.Day() == d
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// msToISO converts a millisecond epoch attribute to RFC 3339 in the source
// zone. Non-positive values and the MAX_LONG placeholder mean "none".
func msToISO(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).In(SourceZone).Format(time.RFC3339)
}

// parseMS parses a millisecond attribute, mapping sentinels to 0.
func parseMS(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 || v >= 9_000_000_000_000_000_000 {
		return 0
	}
	return v
}
