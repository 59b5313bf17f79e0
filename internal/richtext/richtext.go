// Package richtext implements a lossless transform between ActivityPub Note
// HTML content and AT-Protocol plain text plus byte-offset link facets.
package richtext

import (
	"strings"

	"golang.org/x/net/html"
)

// Facet is a byte-offset-indexed rich-text annotation over plain text.
type Facet struct {
	ByteStart int
	ByteEnd   int
	Kind      string // "link" for this converter; AT-Proto also defines "mention"/"tag"
	URI       string
}

// Link pairs an anchor's href with its visible text, in document order.
type Link struct {
	Href string
	Text string
}

// Parsed is the result of walking one HTML document.
type Parsed struct {
	Text   string
	Langs  []string
	Facets []Facet
	Links  []Link
}

// Parse walks the HTML DOM in html, producing plain text and a facet for
// each anchor's visible text span. If lang is non-empty it is recorded as
// the sole entry in Parsed.Langs.
//
// class="invisible" descendants are skipped entirely (the Mastodon
// convention for hiding URL-decoration text such as "https://" prefixes and
// truncation ellipses from the rendered link label).
func Parse(htmlSrc string, lang string) (Parsed, error) {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return Parsed{}, err
	}

	var sb strings.Builder
	var links []Link
	walk(doc, &sb, &links, false)

	text := normalizeBlankLines(sb.String())

	facets := make([]Facet, 0, len(links))
	searchFrom := 0
	for _, l := range links {
		if l.Text == "" {
			continue
		}
		idx := strings.Index(text[searchFrom:], l.Text)
		if idx < 0 {
			continue
		}
		start := searchFrom + idx
		end := start + len(l.Text)
		facets = append(facets, Facet{ByteStart: start, ByteEnd: end, Kind: "link", URI: l.Href})
		searchFrom = end
	}

	p := Parsed{Text: text, Facets: facets, Links: links}
	if lang != "" {
		p.Langs = []string{lang}
	}
	return p, nil
}

// walk recursively renders n's text content into sb, recording anchor
// hrefs/visible-text pairs into links. invisible is true while inside a
// class="invisible" subtree.
func walk(n *html.Node, sb *strings.Builder, links *[]Link, invisible bool) {
	if n == nil {
		return
	}

	switch n.Type {
	case html.TextNode:
		if !invisible {
			sb.WriteString(n.Data)
		}
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			sb.WriteString("\n")
			return
		case "p":
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n\n") {
				sb.WriteString("\n\n")
			}
		case "a":
			href := attr(n, "href")
			childInvisible := invisible || hasInvisibleClass(n)
			var linkText strings.Builder
			var walkChildText func(*html.Node)
			walkChildText = func(c *html.Node) {
				for child := c.FirstChild; child != nil; child = child.NextSibling {
					if child.Type == html.TextNode {
						if !(childInvisible || hasInvisibleClass(child)) {
							linkText.WriteString(child.Data)
						}
					} else if child.Type == html.ElementNode && !hasInvisibleClass(child) {
						walkChildText(child)
					}
				}
			}
			walkChildText(n)
			text := linkText.String()
			if !invisible {
				sb.WriteString(text)
			}
			if href != "" && text != "" {
				*links = append(*links, Link{Href: href, Text: text})
			}
			return
		}
	}

	childInvisible := invisible || hasInvisibleClass(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, sb, links, childInvisible)
	}

	if n.Type == html.ElementNode && n.Data == "p" {
		sb.WriteString("\n\n")
	}
}

func hasInvisibleClass(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, a := range n.Attr {
		if a.Key == "class" {
			for _, c := range strings.Fields(a.Val) {
				if c == "invisible" {
					return true
				}
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// normalizeBlankLines collapses runs of 3+ newlines to exactly 2 (one blank
// line) and trims leading/trailing whitespace, so ToHTML(Parse(x).Text) is
// stable under repeated round trips.
func normalizeBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}

// ToHTML renders plain text as HTML paragraphs: blank lines separate
// paragraphs, single newlines become <br>.
func ToHTML(text string) string {
	paragraphs := strings.Split(text, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		p = strings.ReplaceAll(html.EscapeString(p), "\n", "<br>")
		out = append(out, "<p>"+p+"</p>")
	}
	return strings.Join(out, "")
}

// ExtractLanguage splits a language tag out of content, if one is present.
// This converter has no separate language-tag encoding in plain text (the
// AT-Protocol record carries langs as a sibling field, not embedded in the
// content string), so it always returns the content unchanged together with
// lexiconLang as the language — the hook exists so callers can thread a
// lexicon-supplied lang through the same code path uniformly.
func ExtractLanguage(content string, lexiconLang string) (string, string) {
	return content, lexiconLang
}
