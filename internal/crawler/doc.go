// Package crawler defines the shared vocabulary of the crawl coordinator: jobs,
// frontier entries, pages, and the interfaces that the frontier store, fetch
// transport, robots policy and page sinks implement.
package crawler
