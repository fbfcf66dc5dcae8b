package bypass

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LooksLikeHTML reports whether body is an HTML document rather than a
// line-oriented manifest. Sites commonly answer unknown paths with their
// index page and a 200, and brand names in that markup must not count as
// manifest lines. Content-Type is not consulted: plenty of servers label a
// valid ads.txt as text/html.
func LooksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, utf8BOM))
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(trimmed))
	if err != nil {
		return false
	}
	// The parser synthesises html/head/body, so require real elements.
	return doc.Find("head > *, body *").Length() > 0
}
