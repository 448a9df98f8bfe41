// Package frame defines the domain models for animation frame compilation.
//
// A frame is one still image of the eventual animation, generated from one
// parameter assignment. Frames are identified by the content hash of their
// fully-substituted source text; two frames with the same hash are
// byte-identical and must compile to identical artifacts. That identity is
// the correctness assumption behind the compilation cache.
package frame

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ContentHash is the deterministic identity of a frame's source text.
//
// It is the sha256 hex digest of the complete .tex source, including any
// injected bounding-box directive. Any change to the source (template
// edit, parameter value, padding, sample set) produces a new hash and
// therefore a cache miss. Nothing runtime-dependent (timestamps, paths,
// machine identity) ever contributes to it.
type ContentHash string

// String returns the hex digest.
func (h ContentHash) String() string { return string(h) }

// Shard returns the two-character shard prefix used for on-disk fan-out.
func (h ContentHash) Shard() string {
	if len(h) < 2 {
		return string(h)
	}
	return string(h[:2])
}

// HashSource computes the ContentHash of a frame source.
func HashSource(source string) ContentHash {
	sum := sha256.Sum256([]byte(source))
	return ContentHash(hex.EncodeToString(sum[:]))
}

// Spec is the specification for a single animation frame.
//
// Index is the frame's position in final animation order: stable,
// zero-based, dense. Source is the complete, fully-substituted .tex
// document for this frame. Hash is derived from Source and must be
// recomputed whenever Source changes (see Rehash).
type Spec struct {
	// Index is the 0-based position in the final animation.
	Index int

	// ParamName is the substituted placeholder token, e.g. `\PARAM`.
	ParamName string

	// ParamValue is the numeric value substituted for this frame.
	ParamValue float64

	// Source is the complete .tex source for this frame.
	Source string

	// Hash identifies Source for the caching layer.
	Hash ContentHash
}

// NewSpec builds a Spec and computes its hash.
func NewSpec(index int, paramName string, paramValue float64, source string) Spec {
	return Spec{
		Index:      index,
		ParamName:  paramName,
		ParamValue: paramValue,
		Source:     source,
		Hash:       HashSource(source),
	}
}

// Rehash recomputes Hash from Source. Call after rewriting Source
// (e.g. bounding-box injection).
func (s *Spec) Rehash() {
	s.Hash = HashSource(s.Source)
}

// Result is the outcome of resolving one Spec, either from the cache or
// from a fresh compilation. Results are immutable once created and are
// owned by the pipeline until merged into the final ordered list.
type Result struct {
	// Index mirrors Spec.Index and is used to restore submission order.
	Index int

	// Success reports whether a valid artifact was produced.
	Success bool

	// ArtifactPath is the compiled page artifact. Set iff Success.
	ArtifactPath string

	// Cached reports whether the result came from the cache store.
	Cached bool

	// CompileTime is the wall-clock compile duration (zero for cache hits).
	CompileTime time.Duration

	// ErrorMessage describes the failure. Set iff !Success.
	ErrorMessage string

	// Box is the frame's measured bounding box, when known. Extraction is
	// best-effort; a successful result may carry a zero Box.
	Box BoundingBox
}

// ErrorPolicy governs the response to a single frame's compile failure.
// It is configured per run and applied uniformly to every frame.
type ErrorPolicy int

const (
	// PolicyAbort stops the entire run on the first failure.
	PolicyAbort ErrorPolicy = iota

	// PolicySkip marks the failed frame and continues with the others.
	PolicySkip

	// PolicyRetry re-attempts a failed frame exactly once, then skips.
	PolicyRetry
)

// String returns the policy's configuration name.
func (p ErrorPolicy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicySkip:
		return "skip"
	case PolicyRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string into an ErrorPolicy.
func ParsePolicy(s string) (ErrorPolicy, bool) {
	switch s {
	case "abort":
		return PolicyAbort, true
	case "skip":
		return PolicySkip, true
	case "retry":
		return PolicyRetry, true
	default:
		return PolicySkip, false
	}
}

// RunStats summarizes one pipeline run.
type RunStats struct {
	TotalFrames int
	CacheHits   int
	Compiled    int
	Failed      int
	Elapsed     time.Duration
}

// Progress is emitted after each frame resolves (success, failure, or
// cache short-circuit). It is the only observable side effect during
// execution besides final results.
type Progress struct {
	Index     int
	Completed int
	Total     int
	Cached    bool
	Success   bool
	Elapsed   time.Duration
}

// ProgressFunc receives progress notifications. Implementations must be
// fast; they run on the coordinator goroutine.
type ProgressFunc func(Progress)
