package crawler

import (
	"fmt"
	"strings"
)

// Category classifies a marketplace URL.
type Category string

// Categories recognised by the sitemap discoverer.
const (
	CategoryTemplate  Category = "product:template"
	CategoryComponent Category = "product:component"
	CategoryVector    Category = "product:vector"
	CategoryPlugin    Category = "product:plugin"
	CategoryCreator   Category = "creator"
	CategoryCategory  Category = "category"
)

var allCategories = []Category{
	CategoryTemplate,
	CategoryComponent,
	CategoryVector,
	CategoryPlugin,
	CategoryCreator,
	CategoryCategory,
}

var configKeys = map[Category]string{
	CategoryTemplate:  "templates",
	CategoryComponent: "components",
	CategoryVector:    "vectors",
	CategoryPlugin:    "plugins",
	CategoryCreator:   "creators",
	CategoryCategory:  "categories",
}

// AllCategories returns every known category in a stable order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// IsProduct reports whether the category is one of the product kinds.
func (c Category) IsProduct() bool {
	return strings.HasPrefix(string(c), "product:")
}

// ConfigKey is the name used for the category in configuration files.
func (c Category) ConfigKey() string {
	return configKeys[c]
}

// ParseCategory accepts either the canonical name ("product:template") or the
// configuration key ("templates").
func ParseCategory(raw string) (Category, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	for _, c := range allCategories {
		if raw == string(c) || raw == configKeys[c] {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", raw)
}
