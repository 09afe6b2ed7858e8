// Package fingerprint derives stable cache keys for evaluation requests.
//
// A fingerprint is a SHA-256 digest over the canonical JSON form of
// (prompt, sample, invocation parameters). Map keys are sorted before
// hashing, so logically identical inputs always produce the same key.
package fingerprint
