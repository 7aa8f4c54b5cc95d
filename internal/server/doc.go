// Package server implements the TCP server that accepts prediction requests
// and the HTTP API for monitoring. Each accepted connection is handled by an
// independent goroutine; all per-request failures are converted into
// structured error responses and never reach the accept loop.
package server
