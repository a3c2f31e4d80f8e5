// Package progress carries download and discovery progress from workers to
// reporting sinks. Workers emit events on a buffered channel that a single
// background goroutine batches and fans out, so reporting never stalls a
// transfer.
package progress
