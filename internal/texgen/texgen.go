// Package texgen derives per-frame .tex sources from a parsed template.
//
// The template parser proper lives outside the pipeline; this package
// starts from an already-split Template and performs the derivations the
// pipeline owns: rebuilding the preamble around the standalone class,
// substituting the parameter token, injecting an enforced bounding-box
// directive, and computing the template structure hash that scopes the
// compilation cache.
package texgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tikzmotion/internal/frame"
)

// DefaultParamToken is the placeholder substituted with each frame's value.
const DefaultParamToken = `\PARAM`

// structureSentinel replaces the parameter token when computing the
// structure hash, so the hash is independent of parameter values.
const structureSentinel = "<<PARAM_SENTINEL>>"

var (
	reDocumentClass = regexp.MustCompile(`\\documentclass(?:\s*\[([^\]]*)\])?\s*\{([^}]+)\}`)
	reBeginDocument = regexp.MustCompile(`\\begin\s*\{document\}`)
	reEndDocument   = regexp.MustCompile(`\\end\s*\{document\}`)
	reUsePackage    = regexp.MustCompile(`\\usepackage(?:\s*\[[^\]]*\])?\s*\{([^}]+)\}`)
	reBoundingBox   = regexp.MustCompile(`\\useasboundingbox\b`)
	reBeginTikz     = regexp.MustCompile(`\\begin\s*\{tikzpicture\}[^\n]*\n`)
)

// Packages whose presence requires the engine's shell-escape mode.
var shellEscapePackages = map[string]bool{
	"minted":           true,
	"pythontex":        true,
	"svg":              true,
	"gnuplot-lua-tikz": true,
}

// Template is a parameterized .tex document split into its structural
// components. Preamble and Body preserve the original text exactly;
// derivations must be reproducible byte-for-byte for caching to work.
type Template struct {
	Preamble     string
	Body         string
	ClassOptions []string
	Packages     []string
	ShellEscape  bool

	// HasBoundingBox reports whether the body already carries a
	// \useasboundingbox directive; injection is skipped when it does.
	HasBoundingBox bool

	ParamToken string
}

// Parse splits a parameterized .tex source into a Template.
//
// The token must appear between \begin{document} and \end{document};
// everything else is carried through untouched.
func Parse(source, paramToken string) (*Template, error) {
	if paramToken == "" {
		paramToken = DefaultParamToken
	}

	mBegin := reBeginDocument.FindStringIndex(source)
	if mBegin == nil {
		return nil, fmt.Errorf("template is missing \\begin{document}")
	}
	mEnd := reEndDocument.FindStringIndex(source)
	if mEnd == nil {
		return nil, fmt.Errorf("template is missing \\end{document}")
	}

	preamble := source[:mBegin[0]]
	body := source[mBegin[1]:mEnd[0]]

	mClass := reDocumentClass.FindStringSubmatch(preamble)
	if mClass == nil {
		return nil, fmt.Errorf("template is missing \\documentclass")
	}

	var options []string
	for _, o := range strings.Split(mClass[1], ",") {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}

	var packages []string
	shellEscape := false
	for _, m := range reUsePackage.FindAllStringSubmatch(preamble, -1) {
		for _, p := range strings.Split(m[1], ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			packages = append(packages, p)
			if shellEscapePackages[p] {
				shellEscape = true
			}
		}
	}

	if !strings.Contains(body, paramToken) {
		return nil, fmt.Errorf(
			"parameter token %q not found between \\begin{document} and \\end{document}",
			paramToken)
	}

	return &Template{
		Preamble:       preamble,
		Body:           body,
		ClassOptions:   options,
		Packages:       packages,
		ShellEscape:    shellEscape,
		HasBoundingBox: reBoundingBox.MatchString(body),
		ParamToken:     paramToken,
	}, nil
}

// StructureHash returns the scope key for the compilation cache: a hash
// of the template with the parameter token replaced by a sentinel. It
// changes when the drawing itself changes and stays constant when only
// the parameter sweep changes.
func (t *Template) StructureHash() string {
	body := strings.ReplaceAll(t.Body, t.ParamToken, structureSentinel)
	sum := sha256.Sum256([]byte(t.Preamble + body))
	return hex.EncodeToString(sum[:])
}

// standalonePreamble rebuilds the preamble with the standalone document
// class, preserving every other preamble line. standalone with the tikz
// option crops the page tightly around the picture; a small default
// border keeps strokes from touching the page edge.
func (t *Template) standalonePreamble() string {
	opts := []string{"tikz"}
	haveBorder := false
	for _, o := range t.ClassOptions {
		if o == "tikz" {
			continue
		}
		if strings.HasPrefix(o, "border") {
			haveBorder = true
		}
		opts = append(opts, o)
	}
	if !haveBorder {
		opts = append(opts, "border=2pt")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\\documentclass[%s]{standalone}\n", strings.Join(opts, ", "))

	skipped := false
	for _, line := range strings.SplitAfter(t.Preamble, "\n") {
		if !skipped && reDocumentClass.MatchString(line) {
			skipped = true
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

// frameBody substitutes the parameter value and, when enforced is
// non-nil and the template has no bounding box of its own, injects the
// enforced directive right after \begin{tikzpicture}.
func (t *Template) frameBody(value float64, enforced *frame.BoundingBox) string {
	body := strings.ReplaceAll(t.Body, t.ParamToken, FormatValue(value))

	if enforced != nil && !t.HasBoundingBox {
		if loc := reBeginTikz.FindStringIndex(body); loc != nil {
			directive := "  " + enforced.Directive() + "\n"
			body = body[:loc[1]] + directive + body[loc[1]:]
		}
	}
	return body
}

// BuildSpecs generates one frame.Spec per parameter value.
//
// Each spec carries the complete standalone source for its frame and the
// content hash over that source. The injected directive is part of the
// hashed content on purpose: changing the padding or sample set changes
// the rendered artifact, so it must also change the cache key.
func (t *Template) BuildSpecs(values []float64, enforced *frame.BoundingBox) []frame.Spec {
	preamble := t.standalonePreamble()
	specs := make([]frame.Spec, len(values))
	for i, v := range values {
		source := preamble +
			"\\begin{document}\n" +
			t.frameBody(v, enforced) +
			"\\end{document}\n"
		specs[i] = frame.NewSpec(i, t.ParamToken, v, source)
	}
	return specs
}

// FormatValue renders a parameter value the way it is substituted into
// sources. Shortest representation, no trailing zeros, so 1.0 and 1
// hash identically.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// SweepValues expands a start/stop/step range into per-frame values,
// inclusive of stop within half a step of it.
func SweepValues(start, stop, step float64) ([]float64, error) {
	if step == 0 {
		return nil, fmt.Errorf("step must be non-zero")
	}
	if step > 0 && stop < start || step < 0 && stop > start {
		return nil, fmt.Errorf("range [%g, %g] is empty for step %g", start, stop, step)
	}
	var values []float64
	for i := 0; ; i++ {
		v := start + float64(i)*step
		if step > 0 && v > stop+step/2 || step < 0 && v < stop+step/2 {
			break
		}
		values = append(values, v)
	}
	return values, nil
}
