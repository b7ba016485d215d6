// Package corpus defines the website, page and job ledgers shared by the
// capture, reconciliation and indexing stages, together with the contracts
// of the external collaborators (content fetcher, indexing service and
// record store) those stages depend on.
package corpus
