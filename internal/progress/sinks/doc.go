// Package sinks implements progress consumers: structured logs, a console
// status line, Prometheus collectors, an in-memory counter snapshot and run
// history in the ledger store.
package sinks
