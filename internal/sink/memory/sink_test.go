package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
)

func TestSinkRecordsPages(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Deliver(context.Background(), crawler.Page{URL: "https://example.edu/a"}))
	require.NoError(t, s.Deliver(context.Background(), crawler.Page{URL: "https://example.edu/b"}))

	require.Equal(t, []string{"https://example.edu/a", "https://example.edu/b"}, s.URLs())

	pages := s.Pages()
	pages[0].URL = "mutated"
	require.Equal(t, "https://example.edu/a", s.Pages()[0].URL)
}
