package content

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func TestDefaultLibrary(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)

	pages := lib.List()
	require.Len(t, pages, 3)
	require.Equal(t, []string{"terms", "refunds", "shipping"}, []string{pages[0].Slug, pages[1].Slug, pages[2].Slug})

	terms, err := lib.Get("Terms")
	require.NoError(t, err)
	require.Equal(t, "Terms & Conditions", terms.Title)
	require.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), terms.UpdatedAt)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(terms.Body)))
	require.NoError(t, err)
	require.Equal(t, "Pricing & Taxes", strings.TrimSpace(doc.Find("h2").First().Text()))
}

func TestGetUnknownOrTraversal(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)
	for _, slug := range []string{"privacy", "../terms", "a/b", ""} {
		_, err := lib.Get(slug)
		require.True(t, errors.Is(err, ErrNotFound), slug)
	}
}

func TestLoadSanitisesAndDefaultsTitle(t *testing.T) {
	fsys := fstest.MapFS{
		"fair-use.md": {Data: []byte("Hello <script>alert(1)</script>**world**\n")},
	}
	lib, err := Load(fsys)
	require.NoError(t, err)

	page, err := lib.Get("fair-use")
	require.NoError(t, err)
	require.Equal(t, "Fair Use", page.Title)
	require.NotContains(t, string(page.Body), "<script>")
	require.Contains(t, string(page.Body), "<strong>world</strong>")
}

func TestLoadRejectsBadFrontMatter(t *testing.T) {
	fsys := fstest.MapFS{
		"broken.md": {Data: []byte("---\ntitle: [unclosed\n---\nbody")},
	}
	_, err := Load(fsys)
	require.Error(t, err)
}
