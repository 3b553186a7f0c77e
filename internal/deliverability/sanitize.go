package deliverability

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"
	"github.com/vdavid/mailcore/internal/mailerr"
)

// emailPolicy is the UGC policy plus the legacy presentational markup that
// real-world email bodies rely on. Scripts, event handlers and javascript:
// URLs stay forbidden.
var emailPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("center", "font")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.AllowAttrs("align", "valign", "bgcolor", "width", "height", "border", "cellpadding", "cellspacing").
		OnElements("table", "tr", "td", "th", "div", "p", "img")
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}()

// SanitizeHTML strips active content from an HTML body.
func SanitizeHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	return emailPolicy.Sanitize(html)
}

// HTMLToText renders the readable text of an HTML body.
func HTMLToText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	text, err := html2text.FromString(html, html2text.Options{TextOnly: true})
	if err != nil {
		// html2text only fails on tokenizer errors; fall back to the tag-free markup.
		return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(html))
	}
	return strings.TrimSpace(text)
}

// EnsureText returns text, or the text derived from html when text is blank.
// The result must hold at least minLength characters.
func EnsureText(html, text string, minLength int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = HTMLToText(html)
	}

	if n := utf8.RuneCountInString(text); n < minLength {
		return "", fmt.Errorf("%w: text body has %d characters, need at least %d", mailerr.ErrInsufficientContent, n, minLength)
	}

	return text, nil
}
