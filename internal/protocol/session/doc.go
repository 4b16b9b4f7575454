// Package session holds transport settings shared by the broker and the
// client: timeouts, retry backoff, security mode and TLS material.
package session
