// Package archive keeps retention copies of built export archives in S3 or
// a local directory, optionally age-encrypted.
package archive
