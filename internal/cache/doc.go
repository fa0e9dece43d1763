// Package cache persists compiled artifacts and their metadata records. The
// disk layout is StoragePath/<compileId>/<path> for artifacts and assets and
// StoragePath/<compileId>/<path>__asset__/meta.json for the metadata that
// decides cache validity. Writes use temp file + rename so readers never see
// a partial record, and artifact modification times are set explicitly from
// PutOptions instead of being inferred from the filesystem clock.
// MemoryStore (LRU) and S3Store offer the same Store contract for in-memory
// acceleration and object storage.
package cache
