package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tikzmotion/internal/cache"
	"tikzmotion/internal/compiler"
	"tikzmotion/internal/frame"
	"tikzmotion/internal/pipeline"
	"tikzmotion/internal/texgen"
)

// CLIResult is the outcome of one CLI execution.
type CLIResult struct {
	ExitCode int
	Stats    frame.RunStats
}

// Run parses args and executes them. It is the high-level entrypoint
// suitable for black-box tests.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	inv, err := ParseInvocation(args)
	if err != nil {
		return CLIResult{ExitCode: ExitCodeFor(err)}, err
	}
	return Execute(ctx, inv)
}

// Execute maps a canonical Invocation to pipeline execution.
func Execute(ctx context.Context, inv Invocation) (CLIResult, error) {
	log := newLogger(inv.Verbose)
	switch inv.Command {
	case CommandPrune:
		return executePrune(inv, log)
	case CommandClear:
		return executeClear(inv, log)
	default:
		return executeRun(ctx, inv, log)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func executeRun(ctx context.Context, inv Invocation, log *slog.Logger) (CLIResult, error) {
	cfg := inv.Config

	raw, err := os.ReadFile(inv.TemplatePath)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, fmt.Errorf("reading template: %w", err)
	}
	tmpl, err := texgen.Parse(string(raw), cfg.ParamToken)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, fmt.Errorf("template %s: %w", inv.TemplatePath, err)
	}

	comp, err := compiler.NewExecCompiler(
		compiler.Engine(cfg.Engine), tmpl.Packages, cfg.ShellEscape || tmpl.ShellEscape, log)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	log.Info("selected engine", "engine", comp.Name())

	store, cleanup, err := openRunStore(tmpl, cfg, log)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	defer cleanup()

	o := pipeline.New(store, comp, nil, pipeline.Config{
		Normalize: cfg.BBox.Normalize,
		Samples:   cfg.BBox.Samples,
		Padding:   cfg.BBox.Padding,
		Workers:   cfg.Workers,
		Timeout:   cfg.TimeoutDuration(),
		Policy:    cfg.ErrorPolicy(),
		Logger:    log,
		OnProgress: func(p frame.Progress) {
			status := "compiled"
			switch {
			case p.Cached:
				status = "cached"
			case !p.Success:
				status = "failed"
			}
			fmt.Fprintf(os.Stderr, "[%d/%d] frame %d %s\n", p.Completed, p.Total, p.Index, status)
		},
	})

	run, err := o.Run(ctx, tmpl, inv.Values)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	defer run.Cleanup()

	for _, ferr := range run.Errors {
		fmt.Fprintln(os.Stderr, "warning:", ferr)
	}
	if inv.OutputDir != "" {
		if err := exportFrames(inv.OutputDir, run.Results); err != nil {
			return CLIResult{ExitCode: ExitRunFailure, Stats: run.Stats}, err
		}
	}

	s := run.Stats
	fmt.Printf("%d frames: %d compiled, %d cached, %d failed in %s\n",
		s.TotalFrames, s.Compiled, s.CacheHits, s.Failed, s.Elapsed.Round(10*time.Millisecond))
	return CLIResult{ExitCode: ExitSuccess, Stats: s}, nil
}

// openRunStore opens the persistent cache, or a throwaway store when
// caching is disabled. The throwaway store still lives on disk so
// artifacts survive until the run's export; cleanup removes it.
func openRunStore(tmpl *texgen.Template, cfg *Config, log *slog.Logger) (cache.Store, func(), error) {
	if cfg.Cache.Disabled {
		dir, err := os.MkdirTemp("", "tikzmotion-nocache-")
		if err != nil {
			return nil, nil, fmt.Errorf("creating throwaway store: %w", err)
		}
		store, err := cache.Open(dir, cache.Options{Scope: tmpl.StructureHash(), Logger: log})
		if err != nil {
			os.RemoveAll(dir)
			return nil, nil, err
		}
		return store, func() { store.Close(); os.RemoveAll(dir) }, nil
	}

	dir := cfg.Cache.Dir
	if dir == "" {
		dir = cache.DefaultRoot()
	}
	store, err := cache.Open(dir, cache.Options{
		Scope:    tmpl.StructureHash(),
		MaxBytes: cfg.Cache.CacheMaxBytes(),
		MaxAge:   cfg.Cache.CacheMaxAge(),
		Logger:   log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening cache at %s: %w", dir, err)
	}
	return store, func() { store.Close() }, nil
}

// exportFrames copies successful artifacts into dir as frame-NNNN.pdf.
func exportFrames(dir string, results []frame.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	for _, r := range results {
		if !r.Success {
			continue
		}
		dst := filepath.Join(dir, fmt.Sprintf("frame-%04d.pdf", r.Index))
		if err := copyFile(dst, r.ArtifactPath); err != nil {
			return fmt.Errorf("exporting frame %d: %w", r.Index, err)
		}
	}
	return nil
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func executePrune(inv Invocation, log *slog.Logger) (CLIResult, error) {
	store, dir, err := openMaintenanceStore(inv.Config, log)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	defer store.Close()

	removed, err := store.Prune(inv.Config.Cache.CacheMaxAge(), inv.Config.Cache.CacheMaxBytes())
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, fmt.Errorf("pruning cache: %w", err)
	}
	stats, _ := store.Stats()
	fmt.Printf("pruned %d entries from %s (%d left, %.1f MB)\n",
		removed, dir, stats.Entries, float64(stats.TotalBytes)/(1024*1024))
	return CLIResult{ExitCode: ExitSuccess}, nil
}

func executeClear(inv Invocation, log *slog.Logger) (CLIResult, error) {
	store, dir, err := openMaintenanceStore(inv.Config, log)
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, err
	}
	defer store.Close()

	removed, err := store.Clear()
	if err != nil {
		return CLIResult{ExitCode: ExitRunFailure}, fmt.Errorf("clearing cache: %w", err)
	}
	fmt.Printf("removed %d entries from %s\n", removed, dir)
	return CLIResult{ExitCode: ExitSuccess}, nil
}

// openMaintenanceStore opens the cache without a scope key; prune and
// clear operate across all templates.
func openMaintenanceStore(cfg *Config, log *slog.Logger) (*cache.DiskStore, string, error) {
	dir := cfg.Cache.Dir
	if dir == "" {
		dir = cache.DefaultRoot()
	}
	store, err := cache.Open(dir, cache.Options{Logger: log})
	if err != nil {
		return nil, "", fmt.Errorf("opening cache at %s: %w", dir, err)
	}
	return store, dir, nil
}
