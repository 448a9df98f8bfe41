// Package pipeline orchestrates a full frame-compilation run: cache
// lookup for every frame, bounding-box normalization when requested,
// parallel compilation of the misses, and store-back of fresh
// artifacts. The output is one result per frame in animation order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tikzmotion/internal/bbox"
	"tikzmotion/internal/cache"
	"tikzmotion/internal/compiler"
	"tikzmotion/internal/frame"
	"tikzmotion/internal/sched"
	"tikzmotion/internal/texgen"
)

// Config configures an Orchestrator.
type Config struct {
	// Normalize enables the bounding-box probe pass. Templates that
	// carry their own \useasboundingbox skip it regardless.
	Normalize bool

	// Samples is the probe sample count when normalizing.
	Samples int

	// Padding expands the enforced envelope, in bp.
	Padding float64

	// Workers is the compile pool size; 0 means available parallelism.
	Workers int

	// Timeout bounds each frame compile; 0 disables it.
	Timeout time.Duration

	// Policy governs per-frame failure handling.
	Policy frame.ErrorPolicy

	// ScratchRoot holds per-run scratch directories.
	ScratchRoot string

	// OnProgress receives one notification per resolved frame, cache
	// hits included.
	OnProgress frame.ProgressFunc

	Logger *slog.Logger
}

// Orchestrator runs the compile pipeline against a cache store and a
// compiler backend.
type Orchestrator struct {
	store  cache.Store
	comp   compiler.Compiler
	prober bbox.Prober
	cfg    Config
	log    *slog.Logger
}

// New creates an Orchestrator. A nil prober defaults to PDF page-box
// extraction.
func New(store cache.Store, comp compiler.Compiler, prober bbox.Prober, cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if prober == nil {
		prober = &bbox.PDFProber{Logger: log}
	}
	return &Orchestrator{store: store, comp: comp, prober: prober, cfg: cfg, log: log}
}

// RunResult is the outcome of one pipeline run.
type RunResult struct {
	// Results holds one entry per frame, sorted by index ascending.
	Results []frame.Result

	// Envelope is the enforced bounding box; degenerate when
	// normalization was skipped.
	Envelope frame.BoundingBox

	// Errors lists per-frame failures tolerated under Skip/Retry.
	Errors []error

	// Stats summarizes the run.
	Stats frame.RunStats

	// scratchDir is retained when some artifact paths still point into
	// scratch because store-back failed; see Cleanup.
	scratchDir string
}

// Cleanup removes any scratch directory still referenced by Results.
// Call it after the artifacts have been consumed.
func (r *RunResult) Cleanup() error {
	if r.scratchDir == "" {
		return nil
	}
	return (&sched.Outcome{ScratchDir: r.scratchDir}).Cleanup()
}

// Run compiles one frame per value and returns results in animation
// order.
//
// Frames whose source hashes to an existing cache entry are resolved
// without compiling. Misses go through the scheduler; each fresh
// artifact is persisted to the cache and the result rewritten to the
// durable location before the scratch directory is removed. A cache
// that cannot persist an entry degrades that frame to uncached, it
// never fails the run.
func (o *Orchestrator) Run(ctx context.Context, tmpl *texgen.Template, values []float64) (*RunResult, error) {
	start := time.Now()
	if len(values) == 0 {
		return nil, errors.New("no frame values given")
	}

	specs, envelope, err := o.buildSpecs(ctx, tmpl, values)
	if err != nil {
		return nil, err
	}

	run := &RunResult{
		Results:  make([]frame.Result, len(specs)),
		Envelope: envelope,
		Stats:    frame.RunStats{TotalFrames: len(specs)},
	}

	// Resolve cache hits first. Duplicate hashes within the run all hit
	// once the entry exists.
	var misses []frame.Spec
	resolved := 0
	for i, sp := range specs {
		entry, ok := o.store.Lookup(sp.Hash)
		if !ok {
			misses = append(misses, sp)
			continue
		}
		resolved++
		run.Results[i] = frame.Result{
			Index:        sp.Index,
			Success:      true,
			ArtifactPath: entry.ArtifactPath,
			Cached:       true,
		}
		if box, ok := o.store.LookupBox(sp.Hash); ok {
			run.Results[i].Box = box
		}
		o.emit(frame.Progress{
			Index: sp.Index, Completed: resolved, Total: len(specs),
			Cached: true, Success: true, Elapsed: time.Since(start),
		})
	}
	run.Stats.CacheHits = resolved

	if len(misses) > 0 {
		o.log.Info("compiling frames",
			"total", len(specs), "cached", resolved, "compiling", len(misses))
		if err := o.compileMisses(ctx, run, specs, misses, resolved, start); err != nil {
			return run, err
		}
	} else {
		o.log.Info("all frames resolved from cache", "total", len(specs))
	}

	for _, r := range run.Results {
		if !r.Success {
			run.Stats.Failed++
		} else if !r.Cached {
			run.Stats.Compiled++
		}
	}
	run.Stats.Elapsed = time.Since(start)
	return run, nil
}

// buildSpecs produces the final per-frame specs, running the probe pass
// when normalization is enabled.
func (o *Orchestrator) buildSpecs(ctx context.Context, tmpl *texgen.Template, values []float64) ([]frame.Spec, frame.BoundingBox, error) {
	if !o.cfg.Normalize {
		return tmpl.BuildSpecs(values, nil), frame.BoundingBox{}, nil
	}
	// Probe compiles use their own scheduler so their progress does not
	// interleave with frame counting.
	probeSched := sched.New(o.comp, sched.Config{
		Workers:     o.cfg.Workers,
		Timeout:     o.cfg.Timeout,
		Policy:      frame.PolicySkip,
		ScratchRoot: o.cfg.ScratchRoot,
		Logger:      o.log,
	})
	n := bbox.New(probeSched, o.prober, o.store, bbox.Config{
		Samples: o.cfg.Samples,
		Padding: o.cfg.Padding,
		Logger:  o.log,
	})
	specs, envelope, err := n.Normalize(ctx, tmpl, values)
	if err != nil {
		return nil, frame.BoundingBox{}, fmt.Errorf("bounding-box normalization: %w", err)
	}
	return specs, envelope, nil
}

// compileMisses schedules the uncached specs, persists fresh artifacts,
// and merges the results into run.Results.
func (o *Orchestrator) compileMisses(ctx context.Context, run *RunResult, specs, misses []frame.Spec, hits int, start time.Time) error {
	indexOf := make(map[int]int, len(specs))
	for i, sp := range specs {
		indexOf[sp.Index] = i
	}

	s := sched.New(o.comp, sched.Config{
		Workers:     o.cfg.Workers,
		Timeout:     o.cfg.Timeout,
		Policy:      o.cfg.Policy,
		ScratchRoot: o.cfg.ScratchRoot,
		Logger:      o.log,
		OnProgress: func(p frame.Progress) {
			// Rebase onto whole-run totals: cache hits already counted.
			p.Completed += hits
			p.Total = len(specs)
			p.Elapsed = time.Since(start)
			o.emit(p)
		},
	})

	out, schedErr := s.Compile(ctx, misses)
	if out == nil {
		return schedErr
	}

	stale := false
	specByIndex := make(map[int]frame.Spec, len(misses))
	for _, sp := range misses {
		specByIndex[sp.Index] = sp
	}
	for _, r := range out.Results {
		if r.Success && r.ArtifactPath != "" {
			sp := specByIndex[r.Index]
			durable, err := o.store.Store(sp, r.ArtifactPath, cache.Metadata{
				Engine:      o.comp.Name(),
				CompileTime: r.CompileTime,
			})
			if err != nil {
				o.log.Warn("persisting artifact to cache failed, keeping scratch copy",
					"frame", r.Index, "error", err)
				stale = true
			} else {
				r.ArtifactPath = durable
			}
		}
		run.Results[indexOf[r.Index]] = r
	}
	run.Errors = append(run.Errors, out.Errors...)

	if stale {
		run.scratchDir = out.ScratchDir
	} else if err := out.Cleanup(); err != nil {
		o.log.Warn("removing scratch directory failed", "dir", out.ScratchDir, "error", err)
	}

	if schedErr != nil {
		var total *sched.TotalFailureError
		if errors.As(schedErr, &total) && hits > 0 {
			// Cache hits carried the run; report the compile failures
			// per frame instead of failing the whole run.
			o.log.Warn("every uncached frame failed to compile",
				"failed", total.Frames, "cached", hits)
			return nil
		}
		return schedErr
	}
	return nil
}

func (o *Orchestrator) emit(p frame.Progress) {
	if o.cfg.OnProgress != nil {
		o.cfg.OnProgress(p)
	}
}
