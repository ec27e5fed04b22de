package extract

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseExtractsTitleAndLinksInOrder(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><title>
  Example   University
</title></head><body>
<a href="/about">About</a>
<a href="https://other.org">Other</a>
<a href="./catalog.pdf">Catalog</a>
<a href="#top">Top</a>
<a href="mailto:info@example.edu">Mail</a>
<a>No href</a>
<a href="/about">About again</a>
</body></html>`)

	doc, err := Parse("https://www.example.edu/", body)
	require.NoError(t, err)
	require.NotNil(t, doc.Title)
	require.Equal(t, "Example University", *doc.Title)
	require.Equal(t, []string{
		"https://www.example.edu/about",
		"https://other.org",
		"https://www.example.edu/catalog.pdf",
		"mailto:info@example.edu",
		"https://www.example.edu/about",
	}, doc.Links)
}

func TestParseHonorsBaseHref(t *testing.T) {
	t.Parallel()

	body := []byte(`<html><head><base href="/dept/"></head><body><a href="staff">Staff</a></body></html>`)
	doc, err := Parse("https://example.edu/index.html", body)
	require.NoError(t, err)
	require.Nil(t, doc.Title)
	require.Equal(t, []string{"https://example.edu/dept/staff"}, doc.Links)
}

func TestParseToleratesMalformedMarkup(t *testing.T) {
	t.Parallel()

	doc, err := Parse("https://example.edu/", []byte(`<div><a href="/news">News<p>unclosed`))
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.edu/news"}, doc.Links)
}
