// Package disklru implements a size-bounded, journal-backed key/value store on
// the local filesystem. Every key owns a fixed number of value slots stored as
// flat files (<key>.<index>); edits are staged in <key>.<index>.tmp files and
// published atomically by Editor.Commit. An append-only journal records every
// CLEAN/DIRTY/REMOVE/READ operation so the index and LRU order survive
// restarts, and is compacted once redundant operations pile up.
package disklru
