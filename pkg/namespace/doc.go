// Package namespace builds and re-executes the per-container init
// process: the re-exec idiom lets namespace isolation be applied
// atomically by clone(2) flags rather than unshare(2) in an
// already-running, multi-threaded Go process.
package namespace
