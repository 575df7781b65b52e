// Package cache defines the flat, disk-backed store that holds one file per
// cache key under CacheDir. Entries carry no metadata: the file body is the
// exact byte stream relayed from the origin, and size/modtime come from the
// filesystem. Writes go straight to the final file so that an interrupted
// fetch leaves its partial content in place; KeyLocks lets the proxy keep
// readers away from an entry while it is being written.
package cache
