// Package source reads the original files that compilations start from.
// FileFetcher serves them from the project directory, HTTPFetcher from a
// remote mirror through the shared upstream client, and WatchedStat keeps an
// fsnotify-invalidated cache of etag/mtime lookups so cache validation does
// not re-hash unchanged files on every request.
package source
