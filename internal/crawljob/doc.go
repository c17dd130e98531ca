// Package crawljob defines the crawl job and bookmark content model shared by the
// stores, the crawl service adapter and the orchestrator.
package crawljob
