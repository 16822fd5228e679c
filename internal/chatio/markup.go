// Package chatio contains the outbound chat platform adapters. Message text
// is authored once as an HTML subset; each adapter converts to its platform's
// markup at the boundary.
package chatio

import (
	"html"
	"regexp"
	"strings"
)

// Tag replacement table for the web-chat markdown dialect. Pure string
// transformation; applying it to already-converted text is a no-op because
// no tags remain.
var webchatReplacer = strings.NewReplacer(
	"<b>", "*", "</b>", "*",
	"<strong>", "*", "</strong>", "*",
	"<i>", "_", "</i>", "_",
	"<em>", "_", "</em>", "_",
	"<s>", "~", "</s>", "~",
	"<strike>", "~", "</strike>", "~",
	"<code>", "`", "</code>", "`",
	"<br>", "\n", "<br/>", "\n", "<br />", "\n",
)

var anchorRe = regexp.MustCompile(`<a\s+href="([^"]*)"\s*>([^<]*)</a>`)

// ToWebChatMarkup converts the HTML message subset (b, i, s, code, a, br) to
// the web-chat gateway's markdown. Anchors become "text (url)". Idempotent.
func ToWebChatMarkup(s string) string {
	s = anchorRe.ReplaceAllString(s, "$2 ($1)")
	s = webchatReplacer.Replace(s)
	return html.UnescapeString(s)
}

// StripHTML removes the message markup entirely, for plain-text fallbacks.
func StripHTML(s string) string {
	s = anchorRe.ReplaceAllString(s, "$2 ($1)")
	s = strings.NewReplacer(
		"<b>", "", "</b>", "",
		"<strong>", "", "</strong>", "",
		"<i>", "", "</i>", "",
		"<em>", "", "</em>", "",
		"<s>", "", "</s>", "",
		"<strike>", "", "</strike>", "",
		"<code>", "", "</code>", "",
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
	).Replace(s)
	return html.UnescapeString(s)
}
