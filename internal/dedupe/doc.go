// Package dedupe remembers idempotency keys for a bounded time so that a
// retried request is recognised instead of being applied twice.
package dedupe
