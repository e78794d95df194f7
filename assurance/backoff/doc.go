// Package backoff provides exponential backoff utilities with jitter support
// for retry mechanisms in broker publishing and lock acquisition.
package backoff
