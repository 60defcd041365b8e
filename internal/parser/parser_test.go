package parser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/hash/sha256"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

const templatePage = `<!doctype html>
<html><head>
<title>Portfolio One | Marketplace</title>
<meta property="og:title" content="Portfolio One">
<meta name="description" content="A clean portfolio template.">
<meta property="og:image" content="https://cdn.example.com/p1.png">
<meta property="product:price:amount" content="$49">
<meta property="article:published_time" content="2024-01-15T10:00:00Z">
<script type="application/ld+json">{"@type":"Product","dateModified":"2024-02-01","author":{"name":"Studio Nine"}}</script>
</head><body>
<h1>Portfolio One</h1>
<a href="/@studio-nine">Studio Nine</a>
<span data-stat="views">1.2K</span>
<span data-stat="remixes" data-value="1,234">lots</span>
<span data-stat="likes">n/a</span>
<span data-tag="portfolio"></span><span data-tag="agency"></span>
</body></html>`

func TestParseTemplatePage(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	p := New(sha256.New(), fixedClock{now: now})
	rec, err := p.Parse([]byte(templatePage), crawler.URLRecord{
		URL:      "https://example.com/marketplace/templates/portfolio-one",
		Category: crawler.CategoryTemplate,
	})
	require.NoError(t, err)

	require.Equal(t, "portfolio-one", rec.ID)
	require.Equal(t, crawler.CategoryTemplate, rec.Category)
	require.Equal(t, "Portfolio One", rec.Name)
	require.Equal(t, "A clean portfolio template.", rec.Description)
	require.Equal(t, "Studio Nine", rec.Creator)
	require.Equal(t, "$49", rec.Price.Raw)
	require.Equal(t, int64(49), *rec.Price.Normalized)
	require.Equal(t, int64(1200), *rec.Stats["views"].Normalized)
	require.Equal(t, int64(1234), *rec.Stats["remixes"].Normalized)
	require.Equal(t, "n/a", rec.Stats["likes"].Raw)
	require.Nil(t, rec.Stats["likes"].Normalized)
	require.True(t, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC).Equal(*rec.PublishedAt.Normalized))
	require.True(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Equal(*rec.UpdatedAt.Normalized))
	require.Equal(t, map[string]string{
		"image":       "https://cdn.example.com/p1.png",
		"schema_type": "Product",
		"tags":        "agency,portfolio",
	}, rec.Attributes)
	require.Equal(t, now, rec.ScrapedAt)
	require.Len(t, rec.ContentHash, 64)
}

func TestParseFingerprintIgnoresScrapeTime(t *testing.T) {
	t.Parallel()

	u := crawler.URLRecord{URL: "https://example.com/marketplace/templates/portfolio-one", Category: crawler.CategoryTemplate}
	a, err := New(sha256.New(), fixedClock{now: time.Unix(1, 0)}).Parse([]byte(templatePage), u)
	require.NoError(t, err)
	b, err := New(sha256.New(), fixedClock{now: time.Unix(2, 0)}).Parse([]byte(templatePage), u)
	require.NoError(t, err)
	require.Equal(t, a.ContentHash, b.ContentHash)
}

func TestParseCreatorPage(t *testing.T) {
	t.Parallel()

	page := `<html><head><title>Studio Nine</title></head><body><h1>ignored</h1></body></html>`
	rec, err := New(nil, nil).Parse([]byte(page), crawler.URLRecord{
		URL:      "https://example.com/@studio-nine",
		Category: crawler.CategoryCreator,
	})
	require.NoError(t, err)
	require.Equal(t, "studio-nine", rec.ID)
	require.Equal(t, "Studio Nine", rec.Name)
	require.Empty(t, rec.ContentHash)
	require.False(t, rec.Price.Valid())
	require.Nil(t, rec.Stats)
}

func TestParseCreatorLink(t *testing.T) {
	t.Parallel()

	page := `<html><body><h1>Navbar</h1><a href="/@maker/">Maker</a></body></html>`
	rec, err := New(nil, nil).Parse([]byte(page), crawler.URLRecord{URL: "https://example.com/marketplace/components/navbar"})
	require.NoError(t, err)
	require.Equal(t, "Navbar", rec.Name)
	require.Equal(t, "maker", rec.Creator)
}

func TestParseEmptyPage(t *testing.T) {
	t.Parallel()

	p := New(nil, nil)
	_, err := p.Parse(nil, crawler.URLRecord{URL: "https://example.com/@x"})
	require.ErrorIs(t, err, ErrEmptyPage)

	_, err = p.Parse([]byte(`<html><body><div>nothing</div></body></html>`), crawler.URLRecord{URL: "https://example.com/@x"})
	require.ErrorIs(t, err, ErrEmptyPage)
}
