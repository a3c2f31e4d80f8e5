package links

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
)

const listingHTML = `<html><body>
<a href="/files/budget-2026.pdf">FY 2026   Budget</a>
<a href="/files/budget-2026.pdf#page=2">same file, other page</a>
<a href="https://cdn.example.gov/data/rev.XLSX?v=3">Revenue</a>
<a href="https://www.facebook.com/share/report.pdf">Share</a>
<a href="notes.txt">Notes</a>
<a href="mailto:help@example.gov">Mail</a>
<a href="javascript:void(0)">JS</a>
<a href="#top">Top</a>
<a href="archive/2026 tables.zip" title="Tables archive"></a>
</body></html>`

func TestExtractHTMLFiltersAndResolves(t *testing.T) {
	t.Parallel()

	files, err := ExtractHTML("https://example.gov/reports/index.html", listingHTML, acquire.DiscoverOptions{
		IgnoredHosts: []string{"*.facebook.com"},
	})
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "https://example.gov/files/budget-2026.pdf", files[0].URL)
	assert.Equal(t, "FY 2026 Budget", files[0].DisplayName)
	assert.Equal(t, "budget-2026.pdf", files[0].Filename)
	assert.Equal(t, "documents", files[0].Category)

	assert.Equal(t, "https://cdn.example.gov/data/rev.XLSX?v=3", files[1].URL)
	assert.Equal(t, "xlsx", files[1].Extension)
	assert.Equal(t, "spreadsheets", files[1].Category)

	assert.Equal(t, "https://example.gov/reports/archive/2026%20tables.zip", files[2].URL)
	assert.Equal(t, "Tables archive", files[2].DisplayName)
	assert.Equal(t, "2026_tables.zip", files[2].Filename)
}

func TestExtractHonorsBaseAndTypes(t *testing.T) {
	t.Parallel()

	html := `<html><head><base href="https://mirror.example.gov/docs/"></head><body>
<a href="a.pdf">A</a><a href="b.csv">B</a></body></html>`
	files, err := ExtractHTML("https://example.gov/", html, acquire.DiscoverOptions{Extensions: []string{"csv"}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "https://mirror.example.gov/docs/b.csv", files[0].URL)
}

func TestSetKeepsDistinctQueries(t *testing.T) {
	t.Parallel()

	set := NewSet(acquire.DiscoverOptions{})
	assert.True(t, set.Add(nil, "https://example.gov/get.pdf?id=1", ""))
	assert.True(t, set.Add(nil, "https://example.gov/get.pdf?id=2", ""))
	assert.False(t, set.Add(nil, "https://EXAMPLE.gov/get.pdf?id=1#x", ""))
	assert.False(t, set.Add(nil, "ftp://example.gov/get.pdf", ""))
	assert.Len(t, set.Files(), 2)
}

func TestExtractRejectsBadPageURL(t *testing.T) {
	t.Parallel()

	_, err := ExtractHTML("://bad", "<html></html>", acquire.DiscoverOptions{})
	var parseErr *acquire.ParseError
	require.ErrorAs(t, err, &parseErr)
}
