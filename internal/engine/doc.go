// Package engine implements the caching core: it resolves a request against the
// metadata store, serves complete entries from disk, lets exactly one client per
// entry fetch from the origin while the body is tee'd into the cache file, and
// lets every concurrent client follow the growing file until the fetch ends.
//
// Entries move through absent -> IN_PROGRESS -> COMPLETE. Any failure before
// COMPLETE rolls the entry back to absent and releases its lock, so the next
// request starts a fresh fetch.
package engine
