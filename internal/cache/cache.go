// Package cache provides content-addressed persistent storage for
// compiled frame artifacts.
//
// Entries are keyed by the sha256 content hash of a frame's source and
// sharded on disk by a two-character hash prefix. Each entry carries a
// sidecar metadata record, mirrored into a sqlite index at the cache root
// so scope invalidation and pruning never require a full artifact scan.
//
// Entries are immutable once written. Concurrent writers for the same
// hash are idempotent: by the hashing invariant, both write byte-identical
// content, so whichever rename lands last wins and no lock is needed for
// correctness.
package cache

import (
	"time"

	"tikzmotion/internal/frame"
)

// Entry is a resolved cache hit.
type Entry struct {
	Hash         frame.ContentHash
	ArtifactPath string
	Engine       string
	CompileTime  time.Duration
	CreatedAt    time.Time
}

// Metadata accompanies a stored artifact.
type Metadata struct {
	// Engine identifies the compiler that produced the artifact.
	Engine string

	// CompileTime is the duration of the original compilation.
	CompileTime time.Duration
}

// Store is the contract the pipeline depends on.
//
// Lookup treats a present entry written under a different scope key as a
// miss: artifacts compiled under a different template structure must
// never be silently reused. Store operations are failure-tolerant at the
// call site; a store that cannot persist an entry degrades the run to
// "uncached", it never fails it.
type Store interface {
	// Lookup returns the entry for hash, or ok=false on a miss.
	Lookup(hash frame.ContentHash) (Entry, bool)

	// Store persists the artifact at artifactPath under the spec's hash
	// and returns the durable artifact location.
	Store(spec frame.Spec, artifactPath string, meta Metadata) (string, error)

	// LookupBox returns a previously measured bounding box for hash.
	LookupBox(hash frame.ContentHash) (frame.BoundingBox, bool)

	// StoreBox persists a measured bounding box alongside an entry.
	StoreBox(hash frame.ContentHash, box frame.BoundingBox) error
}

// Stats summarizes the cache contents.
type Stats struct {
	Entries    int
	TotalBytes int64
}
