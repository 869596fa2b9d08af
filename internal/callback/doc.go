// Package callback is the HTTP boundary of the gateway.
//
// It serves the URL verification handshake and the encrypted callback
// endpoint, and optionally a small bearer-protected admin API.
//
// # Security Model
//
// Every callback is authenticated by its envelope signature before anything
// is decrypted. Any verification or decryption failure is answered with a
// bare 403 so the caller learns nothing about which check failed. Plaintext
// and ciphertext are never logged; a corp id mismatch logs a short BLAKE3
// fingerprint of the ciphertext instead.
//
// # Delivery
//
// The platform re-sends a callback it did not see answered in time, so
// handlers run under service.handler_timeout and each message key is
// recorded in the replay ledger. Duplicates and handler failures are both
// acknowledged with an empty 200.
package callback
