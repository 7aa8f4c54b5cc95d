// Package engine loads the exported financial model artifact and evaluates
// feature vectors into named output vectors. The handle is created once at
// startup and shared by all connection handlers; Evaluate serializes access
// so the shared model state is never raced.
package engine
