package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func openTemp(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "db", "pages.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeliverIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTemp(t)
	ctx := context.Background()
	title := "Home"
	page := crawler.Page{
		JobID:      "example.edu",
		URL:        "https://example.edu/",
		Title:      &title,
		Links:      []string{"https://example.edu/about"},
		HTML:       []byte("<html></html>"),
		StatusCode: 200,
		FetchedAt:  time.Unix(1700000000, 0),
	}

	require.NoError(t, s.Deliver(ctx, page))
	require.NoError(t, s.Deliver(ctx, page))
	require.NoError(t, s.Deliver(ctx, crawler.Page{JobID: "example.edu", URL: "https://example.edu/about", Depth: 1}))
	require.NoError(t, s.Deliver(ctx, crawler.Page{JobID: "other.org", URL: "https://other.org/"}))

	n, err := s.Count(ctx, "example.edu")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var links string
	var gotTitle *string
	require.NoError(t, s.db.QueryRowContext(ctx,
		"SELECT links, title FROM pages WHERE url = ?", "https://example.edu/about").Scan(&links, &gotTitle))
	require.Equal(t, "[]", links)
	require.Nil(t, gotTitle)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.Error(t, err)
}
