// Package cryptoutil provides the hashing and signing primitives used for
// audit entries and export bundles.
//
// It supports:
//   - SHA-256 hex digests and streaming hashing writers
//   - RFC 8785 canonical JSON for content hashes of structured records
//   - KMS-backed signing of manifest hashes, with local verification against the cached public key
//   - Constant-time hash comparison
package cryptoutil
