package sitemap

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sitesync/internal/common"
	"github.com/ternarybob/sitesync/internal/models"
)

// ParseResult is the extracted content of one sitemap document. An INDEX
// yields child sitemap URLs, a URLSET or feed yields URL entries. Truncated
// marks a document that broke mid-stream after useful content was read.
type ParseResult struct {
	Kind          models.SitemapKind
	Entries       []models.SitemapURLEntry
	ChildSitemaps []string
	Truncated     bool
}

// Parser streams sitemap XML without loading the document into memory, so
// multi-hundred-thousand-URL sitemaps parse in constant space.
type Parser struct {
	logger arbor.ILogger
}

func NewParser(logger arbor.ILogger) *Parser {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &Parser{logger: logger}
}

type xmlSitemapRef struct {
	Loc string `xml:"loc"`
}

type xmlURLEntry struct {
	Loc        string `xml:"loc"`
	Lastmod    string `xml:"lastmod"`
	Changefreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type rssItem struct {
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

type atomEntry struct {
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Updated string `xml:"updated"`
}

// Parse walks the token stream and classifies the document by its root
// element. A decode error mid-stream returns the partial result with a
// warning when anything useful was already extracted, otherwise the document
// is rejected as an invalid sitemap.
func (p *Parser) Parse(r io.Reader) (*ParseResult, error) {
	decoder := xml.NewDecoder(r)
	decoder.Strict = false

	result := &ParseResult{}

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if result.hasContent() {
				result.Truncated = true
				p.logger.Warn().
					Err(err).
					Str("kind", string(result.Kind)).
					Int("entries", len(result.Entries)).
					Int("child_sitemaps", len(result.ChildSitemaps)).
					Msg("Sitemap parse failed mid-stream, returning partial result")
				return result, nil
			}
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidSitemap, err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "sitemapindex":
			result.Kind = models.SitemapKindIndex
		case "urlset":
			result.Kind = models.SitemapKindURLSet
		case "rss", "feed":
			result.Kind = models.SitemapKindRSS

		case "sitemap":
			var ref xmlSitemapRef
			if err := decoder.DecodeElement(&ref, &start); err != nil {
				continue
			}
			if loc := strings.TrimSpace(ref.Loc); loc != "" {
				result.ChildSitemaps = append(result.ChildSitemaps, loc)
			}

		case "url":
			var row xmlURLEntry
			if err := decoder.DecodeElement(&row, &start); err != nil {
				continue
			}
			if entry, ok := entryFromURL(row); ok {
				result.Entries = append(result.Entries, entry)
			}

		case "item":
			var item rssItem
			if err := decoder.DecodeElement(&item, &start); err != nil {
				continue
			}
			if loc := strings.TrimSpace(item.Link); loc != "" {
				result.Entries = append(result.Entries, models.SitemapURLEntry{
					Loc:     loc,
					Lastmod: strings.TrimSpace(item.PubDate),
				})
			}

		case "entry":
			var entry atomEntry
			if err := decoder.DecodeElement(&entry, &start); err != nil {
				continue
			}
			if loc := atomLoc(entry); loc != "" {
				result.Entries = append(result.Entries, models.SitemapURLEntry{
					Loc:     loc,
					Lastmod: strings.TrimSpace(entry.Updated),
				})
			}
		}
	}

	if result.Kind == "" {
		return nil, fmt.Errorf("%w: no sitemap root element found", models.ErrInvalidSitemap)
	}

	return result, nil
}

func (r *ParseResult) hasContent() bool {
	return r.Kind != "" && (len(r.Entries) > 0 || len(r.ChildSitemaps) > 0)
}

// ChildLocs returns the loc list used for content hashing: child sitemaps
// for an INDEX, entry locs otherwise.
func (r *ParseResult) ChildLocs() []string {
	if r.Kind == models.SitemapKindIndex {
		return r.ChildSitemaps
	}
	locs := make([]string, 0, len(r.Entries))
	for _, entry := range r.Entries {
		locs = append(locs, entry.Loc)
	}
	return locs
}

func entryFromURL(row xmlURLEntry) (models.SitemapURLEntry, bool) {
	loc := strings.TrimSpace(row.Loc)
	if loc == "" {
		return models.SitemapURLEntry{}, false
	}

	entry := models.SitemapURLEntry{
		Loc:        loc,
		Lastmod:    strings.TrimSpace(row.Lastmod),
		Changefreq: strings.TrimSpace(row.Changefreq),
	}
	if raw := strings.TrimSpace(row.Priority); raw != "" {
		if priority, err := strconv.ParseFloat(raw, 64); err == nil {
			entry.Priority = &priority
		}
	}
	return entry, true
}

// atomLoc prefers the alternate link, falling back to the first href.
func atomLoc(entry atomEntry) string {
	for _, link := range entry.Links {
		if link.Rel == "" || link.Rel == "alternate" {
			if href := strings.TrimSpace(link.Href); href != "" {
				return href
			}
		}
	}
	for _, link := range entry.Links {
		if href := strings.TrimSpace(link.Href); href != "" {
			return href
		}
	}
	return ""
}
