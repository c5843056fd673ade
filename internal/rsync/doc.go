// Package rsync provides an implementation of the rsync algorithm as described
// in Andrew Tridgell's thesis (https://www.samba.org/~tridge/phd_thesis.pdf)
// and the rsync technical report (https://rsync.samba.org/tech_report). Core
// algorithmic functionality is provided by the Engine type, while
// SignatureFile, DeltaFile, and ApplyFile expose a path-based, memory-mapped
// interface for use against files on disk rather than in-memory buffers.
package rsync
