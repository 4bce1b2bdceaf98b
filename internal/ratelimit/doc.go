// Package ratelimit provides keyed token-bucket rate limiting with
// background eviction of idle keys.
//
// The limiter is in-memory and per instance. The server runs two: one keyed
// by client IP in front of everything, and one keyed by authenticated
// principal on archive downloads, which rebuild a bundle on every call.
package ratelimit
