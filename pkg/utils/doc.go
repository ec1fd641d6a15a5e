// Package utils provides small helpers shared across lettuce packages.
//
// The helpers turn panics raised inside model adapters and worker
// goroutines into ordinary errors so a single bad request never takes the
// process down.
package utils
