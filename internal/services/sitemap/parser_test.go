package sitemap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/models"
)

func newTestParser() *Parser {
	return NewParser(arbor.NewLogger())
}

func TestParser_URLSet(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url>
    <loc>  https://example.com/  </loc>
    <lastmod>2026-08-01</lastmod>
    <changefreq>daily</changefreq>
    <priority>0.8</priority>
  </url>
  <url>
    <loc>https://example.com/about</loc>
  </url>
  <url>
    <loc>   </loc>
  </url>
</urlset>`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, models.SitemapKindURLSet, result.Kind)
	assert.False(t, result.Truncated)
	assert.Empty(t, result.ChildSitemaps)

	require.Len(t, result.Entries, 2, "the empty loc entry must be dropped")
	assert.Equal(t, "https://example.com/", result.Entries[0].Loc, "loc text must be trimmed")
	assert.Equal(t, "2026-08-01", result.Entries[0].Lastmod)
	assert.Equal(t, "daily", result.Entries[0].Changefreq)
	require.NotNil(t, result.Entries[0].Priority)
	assert.InDelta(t, 0.8, *result.Entries[0].Priority, 0.0001)
	assert.Nil(t, result.Entries[1].Priority)
}

func TestParser_SitemapIndex(t *testing.T) {
	doc := `<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://example.com/sitemap-posts.xml</loc></sitemap>
  <sitemap><loc>
      https://example.com/sitemap-pages.xml
  </loc></sitemap>
  <sitemap><loc></loc></sitemap>
</sitemapindex>`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, models.SitemapKindIndex, result.Kind)
	assert.Empty(t, result.Entries)
	assert.Equal(t, []string{
		"https://example.com/sitemap-posts.xml",
		"https://example.com/sitemap-pages.xml",
	}, result.ChildSitemaps)
}

func TestParser_RSSFeed(t *testing.T) {
	doc := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Blog</title>
    <item>
      <title>Post one</title>
      <link>https://example.com/posts/one</link>
      <pubDate>Mon, 03 Aug 2026 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>No link</title>
    </item>
  </channel>
</rss>`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, models.SitemapKindRSS, result.Kind)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "https://example.com/posts/one", result.Entries[0].Loc)
	assert.Equal(t, "Mon, 03 Aug 2026 10:00:00 GMT", result.Entries[0].Lastmod)
}

func TestParser_AtomFeed(t *testing.T) {
	doc := `<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <link rel="self" href="https://example.com/feed/1"/>
    <link rel="alternate" href="https://example.com/articles/1"/>
    <updated>2026-08-10T08:00:00Z</updated>
  </entry>
</feed>`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, models.SitemapKindRSS, result.Kind)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "https://example.com/articles/1", result.Entries[0].Loc, "alternate link wins over self")
	assert.Equal(t, "2026-08-10T08:00:00Z", result.Entries[0].Lastmod)
}

func TestParser_EmptyURLSetIsValid(t *testing.T) {
	doc := `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"></urlset>`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, models.SitemapKindURLSet, result.Kind)
	assert.Empty(t, result.Entries)
}

func TestParser_NonSitemapDocument(t *testing.T) {
	doc := `<html><body><p>This is not a sitemap</p></body></html>`

	_, err := newTestParser().Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidSitemap)
}

func TestParser_GarbageInput(t *testing.T) {
	_, err := newTestParser().Parse(strings.NewReader("not xml at all"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidSitemap)
}

func TestParser_TruncatedStreamKeepsPartialResult(t *testing.T) {
	doc := `<?xml version="1.0"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/kept-1</loc></url>
  <url><loc>https://example.com/kept-2</loc></url>
  <url><loc>https://example.com/cut-off`

	result, err := newTestParser().Parse(strings.NewReader(doc))
	require.NoError(t, err, "partial content must be returned, not rejected")
	assert.True(t, result.Truncated)
	assert.Equal(t, models.SitemapKindURLSet, result.Kind)
	require.GreaterOrEqual(t, len(result.Entries), 2)
	assert.Equal(t, "https://example.com/kept-1", result.Entries[0].Loc)
	assert.Equal(t, "https://example.com/kept-2", result.Entries[1].Loc)
}

func TestParseResult_ChildLocs(t *testing.T) {
	index := &ParseResult{
		Kind:          models.SitemapKindIndex,
		ChildSitemaps: []string{"https://example.com/a.xml", "https://example.com/b.xml"},
	}
	assert.Equal(t, index.ChildSitemaps, index.ChildLocs())

	urlset := &ParseResult{
		Kind: models.SitemapKindURLSet,
		Entries: []models.SitemapURLEntry{
			{Loc: "https://example.com/1"},
			{Loc: "https://example.com/2"},
		},
	}
	assert.Equal(t, []string{"https://example.com/1", "https://example.com/2"}, urlset.ChildLocs())
}
