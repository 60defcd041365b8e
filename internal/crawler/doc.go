// Package crawler defines the domain types shared by every stage of a
// marketplace crawl: categories, URL records, fetch outcomes, parsed records,
// run metrics, and the small interfaces that let storage, transport, and
// clocks be swapped out in tests.
package crawler
