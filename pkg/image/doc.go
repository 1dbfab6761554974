// Package image implements the content-addressed image layer cache:
// gzip tarball extraction, shared read-only layers, and per-container
// overlay composition.
package image
