package bbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"tikzmotion/internal/cache"
	"tikzmotion/internal/frame"
	"tikzmotion/internal/sched"
	"tikzmotion/internal/texgen"
)

const probeTemplate = `\documentclass{article}
\usepackage{tikz}
\begin{document}
\begin{tikzpicture}
\draw (0,0) circle (\PARAM);
\end{tikzpicture}
\end{document}
`

// probeCompiler stands in for a TeX engine: it writes a tiny file that
// carries a /MediaBox whose extent grows with the frame index, so the
// raw fallback in PDFProber can measure it.
type probeCompiler struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
}

func (c *probeCompiler) Name() string { return "fake" }

func (c *probeCompiler) Compile(_ context.Context, spec frame.Spec, workDir string) (string, error) {
	c.mu.Lock()
	c.calls++
	fail := c.fail[spec.Index]
	c.mu.Unlock()
	if fail {
		return "", errors.New("forced failure")
	}
	out := filepath.Join(workDir, "frame.pdf")
	body := fmt.Sprintf("%%PDF-1.5\n/MediaBox [0 0 %d 50]\n%%%%EOF\n", 100+spec.Index)
	if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (c *probeCompiler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// staticProber returns a fixed box per frame index without touching the
// artifact, keeping normalizer tests independent of PDF parsing.
type staticProber struct {
	boxes map[int]frame.BoundingBox
	err   error
}

func (p *staticProber) Box(artifactPath string) (frame.BoundingBox, error) {
	if p.err != nil {
		return frame.BoundingBox{}, p.err
	}
	// Recover the index from the scratch dir name (job-N).
	for idx, box := range p.boxes {
		if strings.Contains(artifactPath, fmt.Sprintf("job-%d%c", idx, filepath.Separator)) ||
			strings.Contains(artifactPath, fmt.Sprintf("job-%d-", idx)) {
			return box, nil
		}
	}
	return frame.BoundingBox{XMax: 100, YMax: 50}, nil
}

func newTestNormalizer(t *testing.T, comp *probeCompiler, p Prober, store cache.Store, cfg Config) *Normalizer {
	t.Helper()
	s := sched.New(comp, sched.Config{
		Workers:     2,
		Policy:      frame.PolicySkip,
		ScratchRoot: t.TempDir(),
	})
	return New(s, p, store, cfg)
}

func mustParse(t *testing.T, source string) *texgen.Template {
	t.Helper()
	tmpl, err := texgen.Parse(source, "")
	if err != nil {
		t.Fatalf("parsing template: %v", err)
	}
	return tmpl
}

func TestNormalizeInjectsEnvelope(t *testing.T) {
	comp := &probeCompiler{}
	store := cache.NewMemoryStore()
	prober := &staticProber{boxes: map[int]frame.BoundingBox{}}
	n := newTestNormalizer(t, comp, prober, store, Config{Samples: 3, Padding: 2})

	tmpl := mustParse(t, probeTemplate)
	values := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

	specs, env, err := n.Normalize(context.Background(), tmpl, values)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(specs) != len(values) {
		t.Fatalf("got %d specs, want %d", len(specs), len(values))
	}
	if comp.callCount() != 3 {
		t.Fatalf("probe pass compiled %d frames, want 3", comp.callCount())
	}
	if env.Empty() {
		t.Fatal("envelope should not be degenerate")
	}
	// Padding of 2bp around the 100x50 default box.
	if env.XMin != -2 || env.YMin != -2 || env.XMax != 102 || env.YMax != 52 {
		t.Fatalf("envelope = %v, want padded 100x50 box", env)
	}
	for _, sp := range specs {
		if !strings.Contains(sp.Source, `\useasboundingbox`) {
			t.Fatalf("frame %d missing enforced box directive", sp.Index)
		}
	}
	// Injection must change the hash relative to the probe spec.
	probe := tmpl.BuildSpecs(values, nil)
	if specs[0].Hash == probe[0].Hash {
		t.Fatal("enforced spec should hash differently from its probe")
	}
}

func TestNormalizeSeedsAndReusesCache(t *testing.T) {
	comp := &probeCompiler{}
	store := cache.NewMemoryStore()
	n := newTestNormalizer(t, comp, &staticProber{}, store, Config{Samples: 3})

	tmpl := mustParse(t, probeTemplate)
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}

	if _, _, err := n.Normalize(context.Background(), tmpl, values); err != nil {
		t.Fatalf("first Normalize: %v", err)
	}
	if comp.callCount() != 3 {
		t.Fatalf("first pass compiled %d frames, want 3", comp.callCount())
	}
	if store.Len() != 3 {
		t.Fatalf("cache holds %d entries after probing, want 3", store.Len())
	}

	// Second pass over the same template resolves every probe from the
	// cache and never invokes the compiler.
	n2 := newTestNormalizer(t, comp, &staticProber{}, store, Config{Samples: 3})
	if _, _, err := n2.Normalize(context.Background(), tmpl, values); err != nil {
		t.Fatalf("second Normalize: %v", err)
	}
	if comp.callCount() != 3 {
		t.Fatalf("second pass compiled %d extra frames, want 0", comp.callCount()-3)
	}
}

func TestNormalizeSkipsWhenTemplateHasBox(t *testing.T) {
	source := strings.Replace(probeTemplate,
		`\draw`, `\useasboundingbox (0,0) rectangle (5,5);`+"\n"+`\draw`, 1)
	tmpl := mustParse(t, source)
	if !tmpl.HasBoundingBox {
		t.Fatal("template should report its own bounding box")
	}

	comp := &probeCompiler{}
	n := newTestNormalizer(t, comp, &staticProber{}, cache.NewMemoryStore(), Config{Samples: 3})

	specs, env, err := n.Normalize(context.Background(), tmpl, []float64{1, 2, 3})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if comp.callCount() != 0 {
		t.Fatal("probe pass must not run when the template sets its own box")
	}
	if !env.Empty() {
		t.Fatalf("no envelope expected, got %v", env)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	for _, sp := range specs {
		if strings.Count(sp.Source, `\useasboundingbox`) != 1 {
			t.Fatalf("frame %d should keep exactly the user's directive", sp.Index)
		}
	}
}

func TestNormalizeAllProbesFail(t *testing.T) {
	comp := &probeCompiler{fail: map[int]bool{0: true, 2: true, 4: true}}
	n := newTestNormalizer(t, comp, &staticProber{}, cache.NewMemoryStore(), Config{Samples: 3})

	tmpl := mustParse(t, probeTemplate)
	_, _, err := n.Normalize(context.Background(), tmpl, []float64{1, 2, 3, 4, 5})
	if !errors.Is(err, ErrProbeFailed) {
		t.Fatalf("got %v, want ErrProbeFailed", err)
	}
}

func TestNormalizeNoDrawableContent(t *testing.T) {
	comp := &probeCompiler{}
	prober := &staticProber{boxes: map[int]frame.BoundingBox{}}
	// Every probe reports a degenerate box.
	prober.boxes[0] = frame.BoundingBox{}
	prober.boxes[1] = frame.BoundingBox{}
	prober.boxes[2] = frame.BoundingBox{}
	n := newTestNormalizer(t, comp, prober, cache.NewMemoryStore(), Config{Samples: 3})

	tmpl := mustParse(t, probeTemplate)
	_, _, err := n.Normalize(context.Background(), tmpl, []float64{1, 2, 3})
	if !errors.Is(err, ErrNoDrawableContent) {
		t.Fatalf("got %v, want ErrNoDrawableContent", err)
	}
}

func TestPDFProberRawFallback(t *testing.T) {
	// Not a structurally valid PDF; forces the raw /MediaBox scan.
	path := filepath.Join(t.TempDir(), "frame.pdf")
	content := "%PDF-1.5\n1 0 obj\n<< /Type /Page /MediaBox [ -3.5 0 120.25 64 ] >>\nendobj\n%%EOF\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &PDFProber{}
	box, err := p.Box(path)
	if err != nil {
		t.Fatalf("Box: %v", err)
	}
	want := frame.BoundingBox{XMin: -3.5, YMin: 0, XMax: 120.25, YMax: 64}
	if box != want {
		t.Fatalf("box = %v, want %v", box, want)
	}
}

func TestPDFProberNoMediaBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.5\nnothing here\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (&PDFProber{}).Box(path); err == nil {
		t.Fatal("expected an error for a PDF without a /MediaBox")
	}
}
