// Package server hosts the raw TCP accept loop that feeds client connections
// into the proxy handler, the origin dialer shared by all requests, and the
// optional read-only Fiber app that exposes cache diagnostics. The accept loop
// runs either one goroutine per connection or strictly one connection at a
// time, and keeps exports narrow so cmd wiring and tests pass dependencies in
// explicitly.
package server
