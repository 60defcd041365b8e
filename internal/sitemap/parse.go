package sitemap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

var errMalformed = errors.New("malformed sitemap")

type documentKind int

const (
	kindURLSet documentKind = iota
	kindIndex
)

type document struct {
	kind documentKind
	locs []string
}

// parseDocument reads a <urlset> or <sitemapindex> body and returns its <loc>
// values in document order.
func parseDocument(body string) (document, error) {
	if strings.TrimSpace(body) == "" {
		return document{}, fmt.Errorf("%w: empty body", errMalformed)
	}
	root, err := xmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return document{}, fmt.Errorf("%w: %w", errMalformed, err)
	}

	var top *xmlquery.Node
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			top = n
			break
		}
	}
	if top == nil {
		return document{}, fmt.Errorf("%w: no root element", errMalformed)
	}

	var (
		doc  document
		expr string
	)
	switch top.Data {
	case "urlset":
		doc.kind = kindURLSet
		expr = "//*[local-name()='url']/*[local-name()='loc']"
	case "sitemapindex":
		doc.kind = kindIndex
		expr = "//*[local-name()='sitemap']/*[local-name()='loc']"
	default:
		return document{}, fmt.Errorf("%w: unexpected root <%s>", errMalformed, top.Data)
	}

	nodes, err := xmlquery.QueryAll(root, expr)
	if err != nil {
		return document{}, fmt.Errorf("query sitemap: %w", err)
	}
	for _, n := range nodes {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			doc.locs = append(doc.locs, loc)
		}
	}
	return doc, nil
}
