// Package compiler invokes the external LaTeX engine that turns a
// frame's source into a page artifact.
//
// The engine is treated as an opaque, slow, failure-prone subprocess:
// this package bounds its runtime, isolates its working directory and
// environment, and classifies the outcome. Engine selection tries the
// user's preference first, then falls back through the installed engines
// in priority order.
package compiler

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// Engine identifies a LaTeX compilation engine.
type Engine string

const (
	PDFLatex Engine = "pdflatex"
	XELatex  Engine = "xelatex"
	LuaLatex Engine = "lualatex"
)

// engines in default fallback priority order. pdflatex is fastest for
// pure TikZ work.
var engines = []Engine{PDFLatex, XELatex, LuaLatex}

// ErrNoEngine is returned when no LaTeX engine is installed.
var ErrNoEngine = fmt.Errorf("no LaTeX engine found on PATH (install TeX Live or MiKTeX)")

// Packages that require a Unicode-capable engine.
var unicodePackages = map[string]bool{
	"fontspec":     true,
	"unicode-math": true,
	"luacode":      true,
	"luatexbase":   true,
}

// Packages that require LuaLaTeX specifically.
var luaOnlyPackages = map[string]bool{
	"luacode":      true,
	"luatexbase":   true,
	"tikz-feynman": true,
}

// Detect returns the engines installed on PATH, in priority order.
func Detect() []Engine {
	var available []Engine
	for _, e := range engines {
		if _, err := exec.LookPath(string(e)); err == nil {
			available = append(available, e)
		}
	}
	return available
}

// Select chooses an engine.
//
// Priority: the caller's preference if installed, then package-driven
// constraints (fontspec needs xelatex or lualatex, luacode needs
// lualatex), then the first installed engine.
func Select(preferred Engine, packages []string) (Engine, error) {
	available := Detect()
	installed := func(e Engine) bool {
		for _, a := range available {
			if a == e {
				return true
			}
		}
		return false
	}

	needsUnicode, needsLua := false, false
	for _, p := range packages {
		if unicodePackages[p] {
			needsUnicode = true
		}
		if luaOnlyPackages[p] {
			needsLua = true
		}
	}

	if preferred != "" && installed(preferred) {
		return preferred, nil
	}

	if needsLua {
		if installed(LuaLatex) {
			return LuaLatex, nil
		}
		return "", fmt.Errorf("detected packages require lualatex, which is not installed")
	}
	if needsUnicode {
		for _, e := range []Engine{XELatex, LuaLatex} {
			if installed(e) {
				return e, nil
			}
		}
		return "", fmt.Errorf("detected packages require xelatex or lualatex, neither is installed")
	}

	if len(available) > 0 {
		return available[0], nil
	}
	return "", ErrNoEngine
}

// Command builds the argv for compiling texPath into outDir.
//
// nonstopmode keeps the engine from waiting on interactive input, and
// the explicit output directory is what makes parallel builds safe: each
// job writes its .aux/.log/.pdf into its own scratch dir.
func Command(engine Engine, texPath, outDir string, shellEscape bool, extraArgs []string) []string {
	args := []string{
		string(engine),
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-output-directory=" + outDir,
	}
	if shellEscape {
		args = append(args, "-shell-escape")
	}
	args = append(args, extraArgs...)
	args = append(args, filepath.Base(texPath))
	return args
}
