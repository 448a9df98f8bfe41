package sched

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tikzmotion/internal/frame"
)

// fakeCompiler produces an artifact file per job without invoking any
// external engine. failFor marks sources that always fail; failOnce
// marks sources that fail on the first attempt only.
type fakeCompiler struct {
	mu       sync.Mutex
	calls    int
	attempts map[string]int
	failFor  map[string]bool
	failOnce map[string]bool
	delay    time.Duration
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{
		attempts: make(map[string]int),
		failFor:  make(map[string]bool),
		failOnce: make(map[string]bool),
	}
}

func (f *fakeCompiler) Name() string { return "fake" }

func (f *fakeCompiler) Compile(ctx context.Context, spec frame.Spec, workDir string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.attempts[spec.Source]++
	nth := f.attempts[spec.Source]
	fail := f.failFor[spec.Source] || (f.failOnce[spec.Source] && nth == 1)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fail {
		return "", fmt.Errorf("engine exited non-zero: ! Undefined control sequence")
	}

	artifact := filepath.Join(workDir, "frame.pdf")
	if err := os.WriteFile(artifact, []byte("%PDF "+spec.Source), 0o644); err != nil {
		return "", err
	}
	return artifact, nil
}

func (f *fakeCompiler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func makeSpecs(n int) []frame.Spec {
	specs := make([]frame.Spec, n)
	for i := range specs {
		specs[i] = frame.NewSpec(i, `\PARAM`, float64(i), fmt.Sprintf("source %d", i))
	}
	return specs
}

func newTestScheduler(t *testing.T, c *fakeCompiler, cfg Config) *Scheduler {
	t.Helper()
	cfg.ScratchRoot = t.TempDir()
	return New(c, cfg)
}

func TestOrderPreservation(t *testing.T) {
	fc := newFakeCompiler()
	s := newTestScheduler(t, fc, Config{Workers: 4, Policy: frame.PolicySkip})

	specs := makeSpecs(16)
	out, err := s.Compile(context.Background(), specs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	if len(out.Results) != 16 {
		t.Fatalf("got %d results, want 16", len(out.Results))
	}
	for i, r := range out.Results {
		if r.Index != i {
			t.Fatalf("results out of order at %d: index %d", i, r.Index)
		}
		if !r.Success {
			t.Fatalf("frame %d unexpectedly failed: %s", i, r.ErrorMessage)
		}
	}
}

func TestDedupByHash(t *testing.T) {
	fc := newFakeCompiler()
	s := newTestScheduler(t, fc, Config{Workers: 4, Policy: frame.PolicySkip})

	// Frames 2 and 6 share a source, hence a hash.
	specs := makeSpecs(8)
	specs[6] = frame.NewSpec(6, `\PARAM`, 6, specs[2].Source)

	out, err := s.Compile(context.Background(), specs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	if got := fc.callCount(); got != 7 {
		t.Fatalf("compile invocations = %d, want 7 (dedup by in-flight hash)", got)
	}
	if len(out.Results) != 8 {
		t.Fatalf("results = %d, want 8", len(out.Results))
	}
	if out.Results[2].ArtifactPath != out.Results[6].ArtifactPath {
		t.Fatalf("duplicate frames should share an artifact: %q vs %q",
			out.Results[2].ArtifactPath, out.Results[6].ArtifactPath)
	}
	if out.Results[6].Index != 6 {
		t.Fatal("duplicate result must keep its own index")
	}
}

func TestSkipPolicy(t *testing.T) {
	fc := newFakeCompiler()
	specs := makeSpecs(5)
	fc.failFor[specs[2].Source] = true

	s := newTestScheduler(t, fc, Config{Workers: 2, Policy: frame.PolicySkip})
	out, err := s.Compile(context.Background(), specs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	if len(out.Results) != 5 {
		t.Fatalf("skip must keep the full-length result list, got %d", len(out.Results))
	}
	for i, r := range out.Results {
		wantSuccess := i != 2
		if r.Success != wantSuccess {
			t.Errorf("frame %d success = %v, want %v", i, r.Success, wantSuccess)
		}
	}
	if len(out.Errors) != 1 || !strings.Contains(out.Errors[0].Error(), "frame 2") {
		t.Fatalf("errors = %v, want one entry for frame 2", out.Errors)
	}
}

func TestRetryPolicy(t *testing.T) {
	fc := newFakeCompiler()
	specs := makeSpecs(4)
	fc.failOnce[specs[1].Source] = true // transient failure
	fc.failFor[specs[3].Source] = true  // permanent failure

	s := newTestScheduler(t, fc, Config{Workers: 2, Policy: frame.PolicyRetry})
	out, err := s.Compile(context.Background(), specs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	if !out.Results[1].Success {
		t.Fatal("transient failure should succeed on retry")
	}
	if out.Results[3].Success {
		t.Fatal("permanent failure should fall back to skip semantics")
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.attempts[specs[1].Source] != 2 {
		t.Fatalf("frame 1 attempts = %d, want exactly 2", fc.attempts[specs[1].Source])
	}
	if fc.attempts[specs[3].Source] != 2 {
		t.Fatalf("frame 3 attempts = %d, want exactly 2 (one retry, then skip)", fc.attempts[specs[3].Source])
	}
}

func TestAbortPolicy(t *testing.T) {
	fc := newFakeCompiler()
	specs := makeSpecs(6)
	fc.failFor[specs[0].Source] = true

	s := newTestScheduler(t, fc, Config{Workers: 2, Policy: frame.PolicyAbort})
	out, err := s.Compile(context.Background(), specs)
	if err == nil {
		t.Fatal("abort policy must surface a run failure")
	}
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Failed.Index != 0 {
		t.Fatalf("abort error should name the failed frame: %v", err)
	}
	defer out.Cleanup()

	// Not every frame was attempted.
	if got := fc.callCount(); got >= 6 {
		t.Errorf("abort should cancel not-yet-started jobs, but %d ran", got)
	}
	// The list still covers every frame, unattempted ones marked.
	if len(out.Results) != 6 {
		t.Fatalf("results = %d, want 6", len(out.Results))
	}
}

func TestTotalFailure(t *testing.T) {
	fc := newFakeCompiler()
	specs := makeSpecs(5)
	for _, sp := range specs {
		fc.failFor[sp.Source] = true
	}

	s := newTestScheduler(t, fc, Config{Workers: 3, Policy: frame.PolicySkip})
	out, err := s.Compile(context.Background(), specs)
	if err == nil {
		t.Fatal("expected total-failure error")
	}
	defer out.Cleanup()

	if !errors.Is(err, ErrTotalFailure) {
		t.Fatalf("err = %v, want ErrTotalFailure", err)
	}
	var tf *TotalFailureError
	if !errors.As(err, &tf) {
		t.Fatalf("err = %T, want *TotalFailureError", err)
	}
	if tf.Frames != 5 || tf.First.Index != 0 {
		t.Fatalf("total failure = %+v, want 5 frames pointing at frame 0", tf)
	}
	if !strings.Contains(err.Error(), "template-level") {
		t.Errorf("message should hint at a template problem: %q", err.Error())
	}
}

func TestTimeout(t *testing.T) {
	fc := newFakeCompiler()
	fc.delay = 200 * time.Millisecond
	specs := makeSpecs(1)

	s := newTestScheduler(t, fc, Config{
		Workers: 1,
		Policy:  frame.PolicySkip,
		Timeout: 20 * time.Millisecond,
	})
	out, err := s.Compile(context.Background(), specs)
	if err == nil {
		t.Fatal("single timed-out frame should report total failure")
	}
	defer out.Cleanup()

	if out.Results[0].Success {
		t.Fatal("timed-out frame must be classified as a failure")
	}
	if !strings.Contains(out.Results[0].ErrorMessage, "timed out") {
		t.Fatalf("error = %q, want a timeout message", out.Results[0].ErrorMessage)
	}
}

func TestProgressNotifications(t *testing.T) {
	fc := newFakeCompiler()
	var events []frame.Progress
	var mu sync.Mutex

	s := newTestScheduler(t, fc, Config{
		Workers: 3,
		Policy:  frame.PolicySkip,
		OnProgress: func(p frame.Progress) {
			mu.Lock()
			events = append(events, p)
			mu.Unlock()
		},
	})
	out, err := s.Compile(context.Background(), makeSpecs(6))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	if len(events) != 6 {
		t.Fatalf("got %d progress events, want 6", len(events))
	}
	seen := make(map[int]bool)
	for _, p := range events {
		if p.Total != 6 {
			t.Errorf("total = %d, want 6", p.Total)
		}
		if p.Completed < 1 || p.Completed > 6 {
			t.Errorf("completed = %d out of range", p.Completed)
		}
		seen[p.Index] = true
	}
	if len(seen) != 6 {
		t.Fatalf("progress covered %d distinct frames, want 6", len(seen))
	}
}

func TestScratchDirsAreUniquePerJob(t *testing.T) {
	fc := newFakeCompiler()
	s := newTestScheduler(t, fc, Config{Workers: 4, Policy: frame.PolicySkip})

	out, err := s.Compile(context.Background(), makeSpecs(4))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer out.Cleanup()

	dirs := make(map[string]bool)
	for _, r := range out.Results {
		dir := filepath.Dir(r.ArtifactPath)
		if dirs[dir] {
			t.Fatalf("two jobs shared scratch dir %q", dir)
		}
		dirs[dir] = true
		if !strings.Contains(dir, fmt.Sprintf("job-%d", r.Index)) {
			t.Errorf("scratch dir %q not derived from frame index", dir)
		}
	}
}

func TestCleanupRemovesScratch(t *testing.T) {
	fc := newFakeCompiler()
	s := newTestScheduler(t, fc, Config{Workers: 2, Policy: frame.PolicySkip})

	out, err := s.Compile(context.Background(), makeSpecs(2))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := os.Stat(out.ScratchDir); err != nil {
		t.Fatalf("scratch dir missing before cleanup: %v", err)
	}
	if err := out.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(out.ScratchDir); !os.IsNotExist(err) {
		t.Fatal("scratch dir should be gone after cleanup")
	}
}

func TestCancellation(t *testing.T) {
	fc := newFakeCompiler()
	fc.delay = 5 * time.Second

	s := newTestScheduler(t, fc, Config{Workers: 2, Policy: frame.PolicySkip})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out, err := s.Compile(ctx, makeSpecs(4))
	if err == nil {
		t.Fatal("cancelled run must return an error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %s, workers were not interrupted", elapsed)
	}
	out.Cleanup()
}
