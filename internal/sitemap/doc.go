// Package sitemap discovers crawl targets from the marketplace sitemap.
//
// A discovery pass fetches the sitemap (following one level of sitemap
// index), classifies every <loc> into a crawler.Category, and caches the raw
// documents so a later run can proceed when the site is unreachable. Server
// errors abort immediately; other failures are retried on a Fibonacci
// schedule before falling back to a fresh-enough cache.
package sitemap
