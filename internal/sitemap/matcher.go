package sitemap

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

// DefaultPatterns classify marketplace paths. Category listing pages are
// tested before products because they share the product prefix.
var DefaultPatterns = map[crawler.Category]string{
	crawler.CategoryCategory:  `^/marketplace/(templates|components|vectors|plugins)/category/[^/]+/?$`,
	crawler.CategoryTemplate:  `^/marketplace/templates/[^/]+/?$`,
	crawler.CategoryComponent: `^/marketplace/components/[^/]+/?$`,
	crawler.CategoryVector:    `^/marketplace/vectors/[^/]+/?$`,
	crawler.CategoryPlugin:    `^/marketplace/plugins/[^/]+/?$`,
	crawler.CategoryCreator:   `^/@[^/]+/?$`,
}

type rule struct {
	category crawler.Category
	re       *regexp.Regexp
}

// Matcher assigns a category to a URL by path pattern.
type Matcher struct {
	host  string
	rules []rule
}

// NewMatcher compiles patterns for the given base URL. Overrides replace the
// default pattern of the same category.
func NewMatcher(baseURL string, overrides map[crawler.Category]string) (*Matcher, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	m := &Matcher{host: strings.ToLower(base.Host)}
	// Category before products; the order of crawler.AllCategories puts it last.
	order := append([]crawler.Category{crawler.CategoryCategory}, crawler.AllCategories()...)
	seen := map[crawler.Category]bool{}
	for _, cat := range order {
		if seen[cat] {
			continue
		}
		seen[cat] = true
		expr := DefaultPatterns[cat]
		if o, ok := overrides[cat]; ok && o != "" {
			expr = o
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for %s: %w", cat, err)
		}
		m.rules = append(m.rules, rule{category: cat, re: re})
	}
	return m, nil
}

// Match returns the category for a normalized URL, or false if the URL is off
// site or matches no pattern.
func (m *Matcher) Match(rawURL string) (crawler.Category, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if m.host != "" && strings.ToLower(u.Host) != m.host {
		return "", false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	for _, r := range m.rules {
		if r.re.MatchString(path) {
			return r.category, true
		}
	}
	return "", false
}
