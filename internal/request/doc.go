// Package request interprets the first line of a client connection. It turns
// "METHOD TARGET VERSION" into a Request carrying the origin host, the origin
// path and the flat cache key derived from both. Parsing is total: malformed
// input is reported through ErrMalformedRequest / ErrEmptyRequest instead of
// panicking, and the host is never validated here (dialing fails later instead).
package request
