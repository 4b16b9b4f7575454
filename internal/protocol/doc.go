// Package protocol owns the STOMP wire contract.
//
// Ownership boundary:
// - protocol versions and shared sentinel errors
// - frame/ command vocabulary, codec and incremental decoder
// - schema/ per-version header validation tables
// - session/ transport config, backoff and TLS policy
package protocol
