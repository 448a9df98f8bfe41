package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tikzmotion/internal/frame"
)

const (
	artifactName = "frame.pdf"
	sourceName   = "frame.tex"
	boxName      = "bbox.json"
	sidecarName  = "meta.json"
)

// Options configure a DiskStore.
type Options struct {
	// Scope is the current run's template structure hash. Entries written
	// under a different scope are treated as misses and become prune
	// candidates.
	Scope string

	// MaxBytes caps total cache size; 0 disables the cap. Enforcement is
	// opportunistic: a write that pushes the cache over the cap triggers an
	// LRU prune.
	MaxBytes int64

	// MaxAge bounds entry age for explicit pruning; 0 disables.
	MaxAge time.Duration

	Logger *slog.Logger
}

// DiskStore is the durable content-addressed store.
//
// Layout:
//
//	{root}/frames/{hash[:2]}/{hash}/
//	    frame.tex     source as compiled
//	    frame.pdf     the page artifact
//	    bbox.json     measured bounding box (optional)
//	    meta.json     sidecar metadata record
//	{root}/meta.db    sqlite index over all sidecars
//
// Writes land in a temp directory and are renamed into place, so a
// partially written entry is never observable as a hit. If the sqlite
// index cannot be opened the store degrades to walking sidecars; a cache
// that cannot index is slower, not broken.
type DiskStore struct {
	root  string
	scope string
	log   *slog.Logger

	maxBytes int64

	idx *index // nil in degraded mode
}

// sidecar is the per-entry metadata record. It must carry enough to
// decide staleness without reopening the artifact.
type sidecar struct {
	Hash        string `json:"hash"`
	Scope       string `json:"scope"`
	Engine      string `json:"engine"`
	CompileMs   int64  `json:"compile_ms"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedUnix int64  `json:"created_at"`
}

// Open creates or opens a disk store rooted at root.
func Open(root string, opts Options) (*DiskStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, "frames"), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}

	s := &DiskStore{
		root:     root,
		scope:    opts.Scope,
		log:      opts.Logger,
		maxBytes: opts.MaxBytes,
	}

	idx, err := openIndex(filepath.Join(root, "meta.db"))
	if err != nil {
		// Degraded mode: sidecar walks replace index queries.
		s.log.Warn("cache index unavailable, using sidecar walks",
			"error", err, "root", root)
	} else {
		s.idx = idx
	}
	return s, nil
}

// Close releases the metadata index.
func (s *DiskStore) Close() error {
	if s.idx != nil {
		return s.idx.close()
	}
	return nil
}

// DefaultRoot returns the platform cache directory for the tool.
func DefaultRoot() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "tikzmotion")
}

func (s *DiskStore) entryDir(hash frame.ContentHash) string {
	return filepath.Join(s.root, "frames", hash.Shard(), string(hash))
}

// Lookup resolves a content hash to a cached artifact.
//
// A present entry whose scope key no longer matches the current run's
// scope is a miss: it was compiled under a different template structure
// and reusing it would be silently wrong. Such entries stay on disk as
// prune candidates.
func (s *DiskStore) Lookup(hash frame.ContentHash) (Entry, bool) {
	dir := s.entryDir(hash)
	artifact := filepath.Join(dir, artifactName)
	if _, err := os.Stat(artifact); err != nil {
		return Entry{}, false
	}

	sc, err := s.readSidecar(dir)
	if err != nil {
		// Artifact without readable metadata: unusable, treat as miss.
		s.log.Warn("cache entry has unreadable sidecar", "hash", hash, "error", err)
		return Entry{}, false
	}
	if sc.Scope != s.scope {
		return Entry{}, false
	}

	if s.idx != nil {
		if err := s.idx.touch(string(hash), time.Now()); err != nil {
			s.log.Warn("cache index touch failed", "hash", hash, "error", err)
		}
	}

	return Entry{
		Hash:         hash,
		ArtifactPath: artifact,
		Engine:       sc.Engine,
		CompileTime:  time.Duration(sc.CompileMs) * time.Millisecond,
		CreatedAt:    time.Unix(sc.CreatedUnix, 0),
	}, true
}

// Store copies the artifact at artifactPath into the cache under the
// spec's hash. The entry is assembled in a temp directory and renamed
// into place; readers can never observe a partial write. Returns the
// durable artifact path.
func (s *DiskStore) Store(spec frame.Spec, artifactPath string, meta Metadata) (string, error) {
	dir := s.entryDir(spec.Hash)
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", fmt.Errorf("creating shard dir: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, "tmp-"+string(spec.Hash[:8])+"-")
	if err != nil {
		return "", fmt.Errorf("creating temp entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmp)
		}
	}()

	size, err := copyFile(filepath.Join(tmp, artifactName), artifactPath)
	if err != nil {
		return "", fmt.Errorf("copying artifact: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, sourceName), []byte(spec.Source), 0o644); err != nil {
		return "", fmt.Errorf("writing source: %w", err)
	}

	sc := sidecar{
		Hash:        string(spec.Hash),
		Scope:       s.scope,
		Engine:      meta.Engine,
		CompileMs:   meta.CompileTime.Milliseconds(),
		SizeBytes:   size,
		CreatedUnix: time.Now().Unix(),
	}
	data, err := json.Marshal(&sc)
	if err != nil {
		return "", fmt.Errorf("marshaling sidecar: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, sidecarName), data, 0o644); err != nil {
		return "", fmt.Errorf("writing sidecar: %w", err)
	}

	// Last writer wins; both writers hold byte-identical content.
	os.RemoveAll(dir)
	if err := os.Rename(tmp, dir); err != nil {
		return "", fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true

	if s.idx != nil {
		if err := s.idx.upsert(sc); err != nil {
			s.log.Warn("cache index update failed", "hash", spec.Hash, "error", err)
		}
	}

	s.maybePrune()
	return filepath.Join(dir, artifactName), nil
}

// LookupBox returns a previously measured bounding box for hash.
func (s *DiskStore) LookupBox(hash frame.ContentHash) (frame.BoundingBox, bool) {
	data, err := os.ReadFile(filepath.Join(s.entryDir(hash), boxName))
	if err != nil {
		return frame.BoundingBox{}, false
	}
	var box frame.BoundingBox
	if err := json.Unmarshal(data, &box); err != nil {
		return frame.BoundingBox{}, false
	}
	return box, true
}

// StoreBox persists a measured bounding box alongside an existing entry.
func (s *DiskStore) StoreBox(hash frame.ContentHash, box frame.BoundingBox) error {
	dir := s.entryDir(hash)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("no cache entry for %s: %w", hash, err)
	}
	data, err := json.Marshal(&box)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, boxName), data, 0o644)
}

// InvalidateScope removes every entry whose scope key differs from the
// current run's scope. Returns the number of entries removed.
func (s *DiskStore) InvalidateScope() (int, error) {
	stale, err := s.staleHashes()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range stale {
		if err := s.removeEntry(frame.ContentHash(h)); err != nil {
			s.log.Warn("invalidation remove failed", "hash", h, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Prune removes entries older than maxAge and, after that, the
// least-recently-used entries until the cache fits within maxBytes.
// Zero values disable the respective limit. Returns entries removed.
func (s *DiskStore) Prune(maxAge time.Duration, maxBytes int64) (int, error) {
	removed := 0

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		old, err := s.hashesOlderThan(cutoff)
		if err != nil {
			return removed, err
		}
		for _, h := range old {
			if err := s.removeEntry(frame.ContentHash(h)); err != nil {
				s.log.Warn("prune remove failed", "hash", h, "error", err)
				continue
			}
			removed++
		}
	}

	if maxBytes > 0 {
		n, err := s.pruneToSize(maxBytes)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Stats reports entry count and total artifact bytes.
func (s *DiskStore) Stats() (Stats, error) {
	if s.idx != nil {
		n, bytes, err := s.idx.stats()
		if err == nil {
			return Stats{Entries: n, TotalBytes: bytes}, nil
		}
		s.log.Warn("cache index stats failed, walking sidecars", "error", err)
	}

	var st Stats
	err := s.walkSidecars(func(sc sidecar) {
		st.Entries++
		st.TotalBytes += sc.SizeBytes
	})
	return st, err
}

// Clear removes every entry. Returns the number removed.
func (s *DiskStore) Clear() (int, error) {
	st, err := s.Stats()
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(filepath.Join(s.root, "frames")); err != nil {
		return 0, err
	}
	if s.idx != nil {
		if err := s.idx.clear(); err != nil {
			s.log.Warn("cache index clear failed", "error", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.root, "frames"), 0o755); err != nil {
		return st.Entries, err
	}
	return st.Entries, nil
}

func (s *DiskStore) maybePrune() {
	if s.maxBytes <= 0 {
		return
	}
	st, err := s.Stats()
	if err != nil || st.TotalBytes <= s.maxBytes {
		return
	}
	if n, err := s.pruneToSize(s.maxBytes); err != nil {
		s.log.Warn("opportunistic prune failed", "error", err)
	} else if n > 0 {
		s.log.Debug("opportunistic prune", "removed", n)
	}
}

func (s *DiskStore) pruneToSize(maxBytes int64) (int, error) {
	victims, err := s.lruVictims(maxBytes)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, h := range victims {
		if err := s.removeEntry(frame.ContentHash(h)); err != nil {
			s.log.Warn("prune remove failed", "hash", h, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *DiskStore) removeEntry(hash frame.ContentHash) error {
	if err := os.RemoveAll(s.entryDir(hash)); err != nil {
		return err
	}
	if s.idx != nil {
		if err := s.idx.remove(string(hash)); err != nil {
			s.log.Warn("cache index remove failed", "hash", hash, "error", err)
		}
	}
	return nil
}

func (s *DiskStore) readSidecar(dir string) (sidecar, error) {
	var sc sidecar
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

// walkSidecars visits every entry's sidecar. Fallback path for degraded
// mode; the index serves the same queries without touching each entry.
func (s *DiskStore) walkSidecars(fn func(sidecar)) error {
	framesDir := filepath.Join(s.root, "frames")
	shards, err := os.ReadDir(framesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(framesDir, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			sc, err := s.readSidecar(filepath.Join(framesDir, shard.Name(), e.Name()))
			if err != nil {
				continue
			}
			fn(sc)
		}
	}
	return nil
}

func (s *DiskStore) staleHashes() ([]string, error) {
	if s.idx != nil {
		if hashes, err := s.idx.hashesNotInScope(s.scope); err == nil {
			return hashes, nil
		}
	}
	var hashes []string
	err := s.walkSidecars(func(sc sidecar) {
		if sc.Scope != s.scope {
			hashes = append(hashes, sc.Hash)
		}
	})
	return hashes, err
}

func (s *DiskStore) hashesOlderThan(cutoff time.Time) ([]string, error) {
	if s.idx != nil {
		if hashes, err := s.idx.hashesOlderThan(cutoff); err == nil {
			return hashes, nil
		}
	}
	var hashes []string
	err := s.walkSidecars(func(sc sidecar) {
		if time.Unix(sc.CreatedUnix, 0).Before(cutoff) {
			hashes = append(hashes, sc.Hash)
		}
	})
	return hashes, err
}

// lruVictims returns hashes to delete, oldest first, so the remaining
// entries fit within maxBytes.
func (s *DiskStore) lruVictims(maxBytes int64) ([]string, error) {
	if s.idx != nil {
		if hashes, err := s.idx.lruVictims(maxBytes); err == nil {
			return hashes, nil
		}
	}

	type rec struct {
		hash    string
		size    int64
		created int64
	}
	var recs []rec
	var total int64
	err := s.walkSidecars(func(sc sidecar) {
		recs = append(recs, rec{sc.Hash, sc.SizeBytes, sc.CreatedUnix})
		total += sc.SizeBytes
	})
	if err != nil {
		return nil, err
	}
	// Oldest first.
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].created < recs[j-1].created; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
	var victims []string
	for _, r := range recs {
		if total <= maxBytes {
			break
		}
		victims = append(victims, r.hash)
		total -= r.size
	}
	return victims, nil
}

func copyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
