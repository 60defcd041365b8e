// Package parser extracts marketplace records from HTML pages using
// OpenGraph, meta, JSON-LD and data-* markup.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
	"github.com/JakeFAU/marketplace-crawler/internal/normalize"
)

// ErrEmptyPage is returned when a page carries neither a name nor a
// description.
var ErrEmptyPage = errors.New("page has no recognizable content")

// Fingerprinter computes a record's content hash.
type Fingerprinter interface {
	Fingerprint(rec crawler.Record) (string, error)
}

// HTML is the default crawler.Parser.
type HTML struct {
	hasher Fingerprinter
	clock  crawler.Clock
}

// New builds an HTML parser.
func New(hasher Fingerprinter, clock crawler.Clock) *HTML {
	return &HTML{hasher: hasher, clock: clock}
}

// Parse implements crawler.Parser.
func (p *HTML) Parse(payload []byte, rec crawler.URLRecord) (crawler.Record, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return crawler.Record{}, fmt.Errorf("parse %s: %w", rec.URL, ErrEmptyPage)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload))
	if err != nil {
		return crawler.Record{}, fmt.Errorf("parse %s: %w", rec.URL, err)
	}

	ld := jsonLD(doc)
	out := crawler.Record{
		ID:          recordID(rec.URL),
		Category:    rec.Category,
		SourceURL:   rec.URL,
		Name:        firstNonEmpty(meta(doc, "og:title"), ld.Name, text(doc, "title"), text(doc, "h1")),
		Description: firstNonEmpty(meta(doc, "description"), meta(doc, "og:description"), ld.Description),
		Creator:     creator(doc, ld),
		Price:       normalize.Magnitude(firstNonEmpty(meta(doc, "product:price:amount"), attr(doc, "[data-price]", "data-price"), ld.Offers.price())),
		Stats:       stats(doc),
		PublishedAt: normalize.Date(firstNonEmpty(meta(doc, "article:published_time"), ld.DatePublished, attr(doc, "time[data-published]", "datetime"))),
		UpdatedAt:   normalize.Date(firstNonEmpty(meta(doc, "article:modified_time"), ld.DateModified, attr(doc, "time[data-updated]", "datetime"))),
		Attributes:  attributes(doc, ld),
	}
	if out.Name == "" && out.Description == "" {
		return crawler.Record{}, fmt.Errorf("parse %s: %w", rec.URL, ErrEmptyPage)
	}

	if p.hasher != nil {
		hash, err := p.hasher.Fingerprint(out)
		if err != nil {
			return crawler.Record{}, fmt.Errorf("fingerprint %s: %w", rec.URL, err)
		}
		out.ContentHash = hash
	}
	if p.clock != nil {
		out.ScrapedAt = p.clock.Now()
	}
	return out, nil
}

// recordID is the last path segment, with a creator's leading "@" removed.
func recordID(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segments[len(segments)-1]
	return strings.TrimPrefix(last, "@")
}

func meta(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, name, name)).First()
	v, _ := sel.Attr("content")
	return strings.TrimSpace(v)
}

func text(doc *goquery.Document, selector string) string {
	return strings.TrimSpace(doc.Find(selector).First().Text())
}

func attr(doc *goquery.Document, selector, name string) string {
	v, _ := doc.Find(selector).First().Attr(name)
	return strings.TrimSpace(v)
}

func creator(doc *goquery.Document, ld linkedData) string {
	if ld.Author.Name != "" {
		return strings.TrimSpace(ld.Author.Name)
	}
	href := attr(doc, `a[href^="/@"]`, "href")
	if href == "" {
		return ""
	}
	return strings.TrimPrefix(strings.Trim(href, "/"), "@")
}

// stats collects elements marked data-stat="<name>" keyed by that name.
func stats(doc *goquery.Document) map[string]crawler.NormalizedValue[int64] {
	out := map[string]crawler.NormalizedValue[int64]{}
	doc.Find("[data-stat]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("data-stat")
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, dup := out[name]; dup {
			return
		}
		raw, ok := s.Attr("data-value")
		if !ok {
			raw = s.Text()
		}
		out[name] = normalize.Magnitude(strings.TrimSpace(raw))
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func attributes(doc *goquery.Document, ld linkedData) map[string]string {
	out := map[string]string{}
	if v := meta(doc, "og:image"); v != "" {
		out["image"] = v
	}
	if v := meta(doc, "keywords"); v != "" {
		out["keywords"] = v
	}
	if ld.Type != "" {
		out["schema_type"] = ld.Type
	}
	var tags []string
	doc.Find("[data-tag]").Each(func(_ int, s *goquery.Selection) {
		if v := strings.TrimSpace(s.AttrOr("data-tag", "")); v != "" {
			tags = append(tags, v)
		}
	})
	if len(tags) > 0 {
		sort.Strings(tags)
		out["tags"] = strings.Join(tags, ",")
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type linkedData struct {
	Type          string `json:"@type"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	DatePublished string `json:"datePublished"`
	DateModified  string `json:"dateModified"`
	Author        struct {
		Name string `json:"name"`
	} `json:"author"`
	Offers offers `json:"offers"`
}

type offers struct {
	Price json.RawMessage `json:"price"`
}

func (o offers) price() string {
	if len(o.Price) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(o.Price, &s); err == nil {
		return s
	}
	return string(o.Price)
}

// jsonLD returns the first decodable JSON-LD object on the page.
func jsonLD(doc *goquery.Document) linkedData {
	var out linkedData
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var ld linkedData
		if err := json.Unmarshal([]byte(s.Text()), &ld); err != nil {
			return true
		}
		out = ld
		return false
	})
	return out
}
