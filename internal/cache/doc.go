// Package cache owns the on-disk layout of cached artifacts. Every locator
// (origin name + origin-relative path) maps deterministically to
// StoragePath/<origin>/<path>. Unlike a temp-file-and-rename store, artifacts
// are written in place: exactly one Writer appends to a file while any number
// of readers may read the prefix that has already been written, which is what
// lets followers stream a download that is still in progress. Lifecycle status
// lives in the metadata store, never in sidecar files next to the data.
package cache
