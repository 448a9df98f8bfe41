// Package sched dispatches frame-compile jobs across a fixed pool of
// isolated workers.
//
// Each worker processes one frame at a time in a private scratch
// directory, with no shared mutable state between workers. The
// coordinator is the sole owner of result aggregation: it blocks only on
// the next completion, never on a specific job, and restores the
// original frame order before returning. Duplicate frame specs that
// hash identically within one submission are collapsed to a single
// compile; every duplicate receives the shared result.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"

	"tikzmotion/internal/compiler"
	"tikzmotion/internal/frame"
)

// Config configures a Scheduler.
type Config struct {
	// Workers is the pool size; 0 means available parallelism.
	Workers int

	// Timeout bounds each job. A retried job gets a fresh, full window.
	// 0 disables the per-job timeout.
	Timeout time.Duration

	// Policy governs the response to per-frame compile failures.
	Policy frame.ErrorPolicy

	// ScratchRoot holds per-run scratch directories; "" means the
	// system temp dir. The caller owns cleanup of the returned
	// Outcome.ScratchDir once artifacts have been persisted.
	ScratchRoot string

	// OnProgress, when set, is invoked after each frame resolves.
	OnProgress frame.ProgressFunc

	Logger *slog.Logger
}

// Scheduler compiles batches of frame specs through a Compiler.
type Scheduler struct {
	compiler compiler.Compiler
	cfg      Config
	log      *slog.Logger
}

// New creates a Scheduler.
func New(c compiler.Compiler, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{compiler: c, cfg: cfg, log: log}
}

// Outcome is the result of one Compile call.
type Outcome struct {
	// Results holds one entry per submitted spec, sorted by frame index
	// ascending. Callers never observe out-of-order frames.
	Results []frame.Result

	// Errors lists per-frame failures resolved locally under Skip/Retry.
	Errors []error

	// ScratchDir is the run's scratch root. Artifact paths in Results
	// point into it until the caller persists them; remove it with
	// Cleanup afterwards.
	ScratchDir string
}

// Cleanup removes the run's scratch directory and every artifact in it.
func (o *Outcome) Cleanup() error {
	if o.ScratchDir == "" {
		return nil
	}
	return os.RemoveAll(o.ScratchDir)
}

// job is one unit of work: the representative spec of a hash group.
type job struct {
	spec    frame.Spec
	slots   []int // positions in the submitted specs sharing this hash
	attempt int
}

type completion struct {
	job    job
	result frame.Result
}

// Compile dispatches the specs across the worker pool and returns their
// results in frame-index order.
//
// Failure handling follows the configured policy: Abort cancels the run
// on the first failure (in-flight jobs are forcibly terminated via
// context cancellation and their results discarded), Retry re-attempts
// a failed job exactly once with a fresh timeout window, Skip records
// the failure and continues. If every submitted job fails, the returned
// error is a TotalFailureError.
func (s *Scheduler) Compile(ctx context.Context, specs []frame.Spec) (*Outcome, error) {
	out := &Outcome{Results: make([]frame.Result, len(specs))}
	if len(specs) == 0 {
		return out, nil
	}

	runDir := filepath.Join(s.cfg.ScratchRoot, "tikzmotion-"+uuid.NewString()[:8])
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	out.ScratchDir = runDir

	// Collapse duplicate hashes: one compile per distinct source.
	queue := groupByHash(specs)
	if len(queue) < len(specs) {
		s.log.Debug("deduplicated identical frames",
			"frames", len(specs), "jobs", len(queue))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so the coordinator's dispatch never blocks while a
	// completion is waiting to be received.
	workCh := make(chan job, s.cfg.Workers)
	doneCh := make(chan completion, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go func() {
			for j := range workCh {
				doneCh <- s.runJob(runCtx, j, runDir)
			}
		}()
	}
	defer close(workCh)

	var (
		next      int
		inFlight  int
		resolved  int
		succeeded int
		aborted   *frame.Result
	)

	for resolved < len(specs) && aborted == nil {
		for inFlight < s.cfg.Workers && next < len(queue) {
			workCh <- queue[next]
			next++
			inFlight++
		}

		select {
		case <-ctx.Done():
			cancel()
			s.drain(doneCh, inFlight)
			return out, fmt.Errorf("compilation cancelled: %w", ctx.Err())

		case c := <-doneCh:
			inFlight--

			if !c.result.Success {
				switch {
				case s.cfg.Policy == frame.PolicyAbort:
					s.record(out, specs, c, &resolved)
					f := c.result
					aborted = &f

				case s.cfg.Policy == frame.PolicyRetry && c.job.attempt == 0:
					s.log.Warn("frame failed, retrying once",
						"frame", c.job.spec.Index, "error", c.result.ErrorMessage)
					retry := c.job
					retry.attempt = 1
					queue = append(queue, retry)

				default:
					s.record(out, specs, c, &resolved)
					for _, slot := range c.job.slots {
						out.Errors = append(out.Errors, fmt.Errorf(
							"frame %d: %s", specs[slot].Index, c.result.ErrorMessage))
					}
				}
				continue
			}

			succeeded += len(c.job.slots)
			s.record(out, specs, c, &resolved)
		}
	}

	if aborted != nil {
		// Discard whatever is still in flight; cancelled jobs must not
		// surface partial results.
		cancel()
		s.drain(doneCh, inFlight)
		s.fillUnresolved(out, specs)
		return out, &AbortError{Failed: *aborted}
	}

	sort.SliceStable(out.Results, func(i, j int) bool {
		return out.Results[i].Index < out.Results[j].Index
	})

	if succeeded == 0 {
		first := out.Results[0]
		return out, &TotalFailureError{Frames: len(specs), First: first}
	}
	return out, nil
}

// runJob executes one job inside its private scratch directory. The
// directory name is derived from the frame index (not the hash) so two
// different-index frames sharing a hash can never collide, and a retry
// gets a fresh directory of its own.
func (s *Scheduler) runJob(ctx context.Context, j job, runDir string) completion {
	name := fmt.Sprintf("job-%d", j.spec.Index)
	if j.attempt > 0 {
		name = fmt.Sprintf("%s-r%d", name, j.attempt)
	}
	workDir := filepath.Join(runDir, name)

	result := frame.Result{Index: j.spec.Index}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		result.ErrorMessage = fmt.Sprintf("creating job dir: %v", err)
		return completion{job: j, result: result}
	}

	jobCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancelJob context.CancelFunc
		jobCtx, cancelJob = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancelJob()
	}

	start := time.Now()
	artifact, err := s.compiler.Compile(jobCtx, j.spec, workDir)
	result.CompileTime = time.Since(start)

	if err != nil {
		if jobCtx.Err() == context.DeadlineExceeded {
			result.ErrorMessage = fmt.Sprintf(
				"frame %d timed out after %s; raise the per-frame timeout if the picture is complex",
				j.spec.Index, s.cfg.Timeout)
		} else {
			result.ErrorMessage = err.Error()
		}
		return completion{job: j, result: result}
	}

	result.Success = true
	result.ArtifactPath = artifact
	return completion{job: j, result: result}
}

// record writes a completion into every slot of its hash group and
// emits one progress notification per resolved frame.
func (s *Scheduler) record(out *Outcome, specs []frame.Spec, c completion, resolved *int) {
	for _, slot := range c.job.slots {
		r := c.result
		r.Index = specs[slot].Index
		out.Results[slot] = r
		*resolved++

		if s.cfg.OnProgress != nil {
			s.cfg.OnProgress(frame.Progress{
				Index:     r.Index,
				Completed: *resolved,
				Total:     len(specs),
				Success:   r.Success,
				Elapsed:   r.CompileTime,
			})
		}
	}
}

// fillUnresolved marks frames that never resolved (abort path) and
// restores index order.
func (s *Scheduler) fillUnresolved(out *Outcome, specs []frame.Spec) {
	for i := range out.Results {
		if out.Results[i].Success || out.Results[i].ErrorMessage != "" {
			continue
		}
		out.Results[i] = frame.Result{
			Index:        specs[i].Index,
			ErrorMessage: "not compiled: run aborted",
		}
	}
	sort.SliceStable(out.Results, func(i, j int) bool {
		return out.Results[i].Index < out.Results[j].Index
	})
}

// drain receives outstanding completions so worker goroutines can exit.
func (s *Scheduler) drain(doneCh <-chan completion, inFlight int) {
	for i := 0; i < inFlight; i++ {
		<-doneCh
	}
}

// groupByHash collapses specs with identical hashes into single jobs,
// preserving first-seen dispatch order.
func groupByHash(specs []frame.Spec) []job {
	byHash := make(map[frame.ContentHash]int)
	var queue []job
	for i, sp := range specs {
		if pos, ok := byHash[sp.Hash]; ok {
			queue[pos].slots = append(queue[pos].slots, i)
			continue
		}
		byHash[sp.Hash] = len(queue)
		queue = append(queue, job{spec: sp, slots: []int{i}})
	}
	return queue
}
