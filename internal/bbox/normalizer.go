package bbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tikzmotion/internal/cache"
	"tikzmotion/internal/frame"
	"tikzmotion/internal/sched"
	"tikzmotion/internal/texgen"
)

// ErrNoDrawableContent reports that every sampled frame produced a
// degenerate bounding box: there is nothing to draw, and enforcing a
// zero-area canvas would silently render an empty animation.
var ErrNoDrawableContent = errors.New("no drawable content detected in any sampled frame")

// ErrProbeFailed reports that no sampled frame could be measured.
var ErrProbeFailed = errors.New("all sampled frames failed to compile, cannot determine bounding box")

// Config configures a Normalizer.
type Config struct {
	// Samples is the number of frames to probe.
	Samples int

	// Padding expands the envelope on all sides, in bp, so content
	// never touches the canvas edge.
	Padding float64

	Logger *slog.Logger
}

// Normalizer runs the probe pass and rewrites frame sources with the
// enforced envelope.
type Normalizer struct {
	sched  *sched.Scheduler
	prober Prober
	store  cache.Store
	cfg    Config
	log    *slog.Logger
}

// New creates a Normalizer that compiles probes through s, measures
// them with p, and seeds store with probe artifacts and boxes.
func New(s *sched.Scheduler, p Prober, store cache.Store, cfg Config) *Normalizer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Samples <= 0 {
		cfg.Samples = 10
	}
	return &Normalizer{sched: s, prober: p, store: store, cfg: cfg, log: log}
}

// Normalize derives the enforced envelope and rebuilds every frame's
// spec with it injected.
//
// Probe compiles go through the cache keyed by the pre-injection hash,
// so re-probing an unchanged template is free. The rewritten specs hash
// differently from the probes (the injected directive is hashed on
// purpose), so the main pass compiles them fresh.
func (n *Normalizer) Normalize(ctx context.Context, tmpl *texgen.Template, values []float64) ([]frame.Spec, frame.BoundingBox, error) {
	if tmpl.HasBoundingBox {
		// The template controls its own canvas; enforcement would be
		// ignored by injection anyway.
		n.log.Info("template carries its own bounding box, skipping probe pass")
		return tmpl.BuildSpecs(values, nil), frame.BoundingBox{}, nil
	}

	if n.cfg.Samples >= len(values) && len(values) > 1 {
		n.log.Warn("sample count covers every frame; sampling degenerates to full compilation",
			"samples", n.cfg.Samples, "frames", len(values))
	}

	probeSpecs := tmpl.BuildSpecs(values, nil)
	indices := ProbeIndices(len(values), n.cfg.Samples)

	boxes := make(map[int]frame.BoundingBox, len(indices))
	var toCompile []frame.Spec
	for _, idx := range indices {
		sp := probeSpecs[idx]
		if box, ok := n.store.LookupBox(sp.Hash); ok {
			boxes[idx] = box
			continue
		}
		toCompile = append(toCompile, sp)
	}

	if len(toCompile) > 0 {
		n.log.Info("probing bounding boxes",
			"samples", len(indices), "cached", len(boxes), "compiling", len(toCompile))
		start := time.Now()

		out, err := n.sched.Compile(ctx, toCompile)
		if out != nil {
			defer out.Cleanup()
		}
		if err != nil {
			var total *sched.TotalFailureError
			if errors.As(err, &total) {
				return nil, frame.BoundingBox{}, fmt.Errorf("%w: %s",
					ErrProbeFailed, total.First.ErrorMessage)
			}
			return nil, frame.BoundingBox{}, fmt.Errorf("probe pass: %w", err)
		}

		for _, r := range out.Results {
			if !r.Success {
				n.log.Warn("probe frame failed, excluded from envelope",
					"frame", r.Index, "error", r.ErrorMessage)
				continue
			}
			box, perr := n.prober.Box(r.ArtifactPath)
			if perr != nil {
				n.log.Warn("bounding-box extraction failed",
					"frame", r.Index, "error", perr)
				continue
			}
			boxes[r.Index] = box
			n.seedCache(probeSpecs[r.Index], r, box)
		}
		n.log.Debug("probe pass finished", "elapsed", time.Since(start))
	}

	if len(boxes) == 0 {
		return nil, frame.BoundingBox{}, ErrProbeFailed
	}

	all := make([]frame.BoundingBox, 0, len(boxes))
	for _, b := range boxes {
		all = append(all, b)
	}
	envelope := Envelope(all)
	if envelope.Empty() {
		return nil, frame.BoundingBox{}, ErrNoDrawableContent
	}
	envelope = envelope.Padded(n.cfg.Padding)

	if c := CheckConsistency(boxes); !c.Consistent(1.0) {
		n.log.Info("frames have inconsistent extents, enforcing envelope",
			"spread", c.String(), "envelope", envelope.String())
	} else {
		n.log.Debug("sampled frames already consistent", "envelope", envelope.String())
	}

	final := tmpl.BuildSpecs(values, &envelope)
	return final, envelope, nil
}

// seedCache persists a probe's artifact and measured box under the
// probe's own hash. A later probe pass over the same template then
// resolves from the cache without compiling.
func (n *Normalizer) seedCache(sp frame.Spec, r frame.Result, box frame.BoundingBox) {
	if _, err := n.store.Store(sp, r.ArtifactPath, cache.Metadata{CompileTime: r.CompileTime}); err != nil {
		n.log.Warn("seeding cache with probe artifact failed", "frame", sp.Index, "error", err)
		return
	}
	if err := n.store.StoreBox(sp.Hash, box); err != nil {
		n.log.Warn("caching probe bounding box failed", "frame", sp.Index, "error", err)
	}
}
