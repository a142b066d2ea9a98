// Package extract turns raw portal markup into normalized items, one
// extractor per board.
//
// Extraction anchors on the most stable parts of the markup (list container
// ids, row ids, list-item id prefixes) and pulls fields with tolerant
// patterns. Extractors never fail: unrecognized fragments yield partial or
// no records.
package extract

import (
	"bb-watcher/pkg/watcher"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Context carries what an extractor knows about the page it parses.
type Context struct {
	PageURL    string
	BaseURL    string
	CourseID   string
	CourseName string
}

// Extractor parses one board's markup into items.
type Extractor interface {
	Extract(markup string, c Context) []*watcher.Item
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(markup string, c Context) []*watcher.Item

// Extract implements Extractor.
func (f ExtractorFunc) Extract(markup string, c Context) []*watcher.Item {
	return f(markup, c)
}

// TextFrom strips tags from an HTML fragment and returns its visible text
// with whitespace collapsed. Script and style bodies are dropped.
func TextFrom(fragment string) string {
	if fragment == "" {
		return ""
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	var parts []string
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return watcher.Normalize(strings.Join(parts, " "))
		case html.StartTagToken:
			if isRawTextTag(z) {
				skip++
			}
		case html.EndTagToken:
			if isRawTextTag(z) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				parts = append(parts, string(z.Text()))
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}

// unescape decodes HTML entities, including a doubly escaped "&amp;".
func unescape(s string) string {
	return strings.ReplaceAll(html.UnescapeString(s), "&amp;", "&")
}

// firstGroup returns the trimmed first capture group of re in s, or "".
func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// firstOf tries each pattern in order and returns the first non-empty match.
func firstOf(s string, res ...*regexp.Regexp) string {
	for _, re := range res {
		if v := firstGroup(re, s); v != "" {
			return v
		}
	}
	return ""
}

// ResolveURL resolves href against base. An empty or unparseable base
// returns href unchanged.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if base == "" {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	titleRe          = regexp.MustCompile(`(?is)<title>(.*?)</title>`)
	courseIDInputRe  = regexp.MustCompile(`(?is)<input[^>]*id="course_id"[^>]*value="([^"]+)"`)
	courseIDParamRe  = regexp.MustCompile(`(?is)course_id=(_\d+_\d+)`)
	courseIDScriptRe = regexp.MustCompile(`(?is)var\s+course_id\s*=\s*"([^"]+)"`)
	contentItemRe    = regexp.MustCompile(`(?is)<li[^>]*id="contentListItem:([^"]+)"[^>]*>(.*?)</li>`)
	h3Re             = regexp.MustCompile(`(?is)<h3[^>]*>(.*?)</h3>`)
	anchorTextRe     = regexp.MustCompile(`(?is)<a[^>]*href="[^"]+"[^>]*>(.*?)</a>`)
	h3HrefRe         = regexp.MustCompile(`(?is)<h3[^>]*>.*?<a[^>]*href="([^"]+)"`)
	anyHrefRe        = regexp.MustCompile(`(?is)<a[^>]*href="([^"]+)"`)
	vtbegeneratedRe  = regexp.MustCompile(`(?is)<div[^>]*class="[^"]*vtbegenerated[^"]*"[^>]*>(.*?)</div>`)
)

// pageTitle returns the text of the document's <title>.
func pageTitle(markup string) string {
	return TextFrom(firstGroup(titleRe, markup))
}

// contentItemTitle reads a content list item's title from its heading,
// falling back to the first link's text.
func contentItemTitle(li string) string {
	return TextFrom(unescape(firstOf(li, h3Re, anchorTextRe)))
}
