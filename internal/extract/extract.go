// Package extract pulls the title and outgoing links out of an HTML document.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/campus-crawler/internal/policy/urlpolicy"
)

// Document is the parsed view of one page.
type Document struct {
	Title *string
	// Links holds absolute anchor targets in document order.
	Links []string
}

// Parse reads body as HTML and resolves anchor targets against pageURL, or
// against the document's <base href> when present.
func Parse(pageURL string, body []byte) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	base := pageURL
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := urlpolicy.Resolve(pageURL, href); err == nil {
			base = resolved
		}
	}

	var out Document
	if sel := doc.Find("title").First(); sel.Length() > 0 {
		title := strings.Join(strings.Fields(sel.Text()), " ")
		out.Title = &title
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		abs, err := urlpolicy.Resolve(base, href)
		if err != nil {
			return
		}
		out.Links = append(out.Links, abs)
	})
	return out, nil
}
