package bbox

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"tikzmotion/internal/frame"
)

// Prober extracts a page bounding box from a compiled artifact. This is
// the rasterization backend's metadata query, used only by the
// normalizer's probe pass.
type Prober interface {
	Box(artifactPath string) (frame.BoundingBox, error)
}

// PDFProber measures the first page of a PDF artifact.
//
// Primary path: pdfcpu parses the document and reports page dimensions.
// Fallback: a raw /MediaBox scan over the file bytes, which survives
// PDFs too malformed for a structural parse. standalone-cropped pages
// put the origin at (0,0), so dimensions alone are exact for the
// primary path; the fallback preserves a non-zero origin when present.
type PDFProber struct {
	Logger *slog.Logger
}

var reMediaBox = regexp.MustCompile(
	`/MediaBox\s*\[\s*([-\d.]+)\s+([-\d.]+)\s+([-\d.]+)\s+([-\d.]+)\s*\]`)

// Box returns the artifact's page box.
func (p *PDFProber) Box(artifactPath string) (frame.BoundingBox, error) {
	box, err := p.structuralBox(artifactPath)
	if err == nil {
		return box, nil
	}
	if p.Logger != nil {
		p.Logger.Debug("structural page-box parse failed, scanning raw bytes",
			"artifact", artifactPath, "error", err)
	}
	return p.rawMediaBox(artifactPath)
}

func (p *PDFProber) structuralBox(artifactPath string) (frame.BoundingBox, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return frame.BoundingBox{}, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return frame.BoundingBox{}, fmt.Errorf("pdfcpu read: %w", err)
	}
	if ctx.PageCount < 1 {
		return frame.BoundingBox{}, fmt.Errorf("artifact has no pages")
	}

	dims, err := ctx.PageDims()
	if err != nil || len(dims) == 0 {
		return frame.BoundingBox{}, fmt.Errorf("pdfcpu page dims: %w", err)
	}
	return frame.BoundingBox{XMax: dims[0].Width, YMax: dims[0].Height}, nil
}

func (p *PDFProber) rawMediaBox(artifactPath string) (frame.BoundingBox, error) {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return frame.BoundingBox{}, err
	}
	m := reMediaBox.FindSubmatch(raw)
	if m == nil {
		return frame.BoundingBox{}, fmt.Errorf("no /MediaBox found in %s", artifactPath)
	}
	var vals [4]float64
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(string(m[i+1]), 64)
		if err != nil {
			return frame.BoundingBox{}, fmt.Errorf("parsing /MediaBox: %w", err)
		}
		vals[i] = v
	}
	return frame.BoundingBox{XMin: vals[0], YMin: vals[1], XMax: vals[2], YMax: vals[3]}, nil
}
