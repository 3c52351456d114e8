// Package normalize turns raw fetched HTML into structured plain text.
// Headings survive as marker lines ("## Installing") so the chunker can
// track the enclosing heading for every chunk it cuts.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/libroai/libro/engine/domain"
)

// contentSelectors are tried in order to locate the main content area
// before falling back to body.
var contentSelectors = []string{
	"main",
	"article",
	"div.main-content",
	".content",
	"#content",
	".documentation",
}

// noiseSelectors are stripped before text extraction.
const noiseSelectors = "script, style, nav, header, footer, noscript, iframe, form"

// blockSelectors are the elements whose text is kept, in document order.
const blockSelectors = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote"

// Page converts one fetched HTML document into a ContentUnit.
func Page(rawHTML, sourceURL string, fetchedAt time.Time) (domain.ContentUnit, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return domain.ContentUnit{}, fmt.Errorf("normalize: parse %s: %w", sourceURL, err)
	}

	doc.Find(noiseSelectors).Remove()

	title := cleanText(doc.Find("title").First().Text())
	if title == "" {
		title = cleanText(doc.Find("h1").First().Text())
	}

	root := doc.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel); s.Length() > 0 {
			root = s.First()
			break
		}
	}

	var blocks []string
	root.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch {
		case isHeading(name):
			text := cleanText(s.Text())
			if text != "" {
				blocks = append(blocks, headingMarker(name)+" "+text)
			}
		case name == "li" && s.Find("p").Length() > 0:
			// Inner paragraphs are captured on their own visit.
		case name == "blockquote" && s.Find("p").Length() > 0:
			// Same: avoid emitting the quote twice.
		case name == "pre":
			// Preserve line structure inside code blocks.
			text := strings.TrimSpace(s.Text())
			if text != "" {
				blocks = append(blocks, text)
			}
		default:
			text := cleanText(s.Text())
			if text != "" {
				blocks = append(blocks, text)
			}
		}
	})

	unit := domain.ContentUnit{
		SourceURL: sourceURL,
		Title:     title,
		RawText:   strings.Join(blocks, "\n\n"),
		FetchedAt: fetchedAt,
	}
	if title != "" {
		unit.HeadingPath = []string{title}
	}
	return unit, nil
}

// IsHeadingLine reports whether a normalised text line is a heading marker
// and returns its level and text.
func IsHeadingLine(line string) (level int, text string, ok bool) {
	i := 0
	for i < len(line) && i < 6 && line[i] == '#' {
		i++
	}
	if i == 0 || i >= len(line) || line[i] != ' ' {
		return 0, "", false
	}
	return i, strings.TrimSpace(line[i+1:]), true
}

func isHeading(name string) bool {
	return len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6'
}

func headingMarker(name string) string {
	level := int(name[1] - '0')
	return strings.Repeat("#", level)
}

// cleanText collapses runs of whitespace into single spaces.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
