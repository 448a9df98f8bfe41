package compiler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommand(t *testing.T) {
	argv := Command(PDFLatex, "/work/job-3/frame.tex", "/work/job-3", false, nil)
	want := []string{
		"pdflatex",
		"-interaction=nonstopmode",
		"-halt-on-error",
		"-output-directory=/work/job-3",
		"frame.tex",
	}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestCommandShellEscapeAndExtraArgs(t *testing.T) {
	argv := Command(LuaLatex, "frame.tex", "/out", true, []string{"-synctex=0"})
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "-shell-escape") {
		t.Error("missing -shell-escape")
	}
	if !strings.Contains(joined, "-synctex=0") {
		t.Error("missing extra arg")
	}
	if argv[len(argv)-1] != "frame.tex" {
		t.Error("tex file must be the final argument")
	}
}

func TestSelectPrefersInstalledPreference(t *testing.T) {
	// Engines are looked up on PATH, so build a fake PATH with stub
	// binaries for a deterministic environment.
	bin := t.TempDir()
	for _, name := range []string{"pdflatex", "lualatex"} {
		stub := filepath.Join(bin, name)
		if err := os.WriteFile(stub, []byte("#!/bin/sh\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", bin)

	got, err := Select(LuaLatex, nil)
	if err != nil || got != LuaLatex {
		t.Fatalf("Select(lualatex) = %v, %v", got, err)
	}

	// Unavailable preference falls back to priority order.
	got, err = Select(XELatex, nil)
	if err != nil || got != PDFLatex {
		t.Fatalf("Select(xelatex fallback) = %v, %v", got, err)
	}

	// Lua-only packages force lualatex.
	got, err = Select("", []string{"tikz", "luacode"})
	if err != nil || got != LuaLatex {
		t.Fatalf("Select(luacode) = %v, %v", got, err)
	}
}

func TestSelectNoEngine(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if _, err := Select("", nil); err == nil {
		t.Fatal("expected an error with no engines installed")
	}
}

const sampleLog = `This is pdfTeX, Version 3.141592653
! Undefined control sequence.
l.12   \drw
           (0,0) circle (1);
?
! Emergency stop.
`

func TestParseLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "frame.log")
	if err := os.WriteFile(logPath, []byte(sampleLog), 0o644); err != nil {
		t.Fatal(err)
	}

	errs := ParseLog(logPath)
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	if !strings.Contains(errs[0].Message, "Undefined control sequence") {
		t.Errorf("first error = %q", errs[0].Message)
	}
	if errs[0].Line != 12 {
		t.Errorf("line = %d, want 12", errs[0].Line)
	}

	formatted := FormatErrors(errs)
	if !strings.Contains(formatted, "line 12") {
		t.Errorf("formatted = %q", formatted)
	}
}

func TestParseLogMissingFile(t *testing.T) {
	errs := ParseLog(filepath.Join(t.TempDir(), "nope.log"))
	if len(errs) != 1 || !strings.Contains(errs[0].Message, "log file not found") {
		t.Fatalf("errs = %v", errs)
	}
}

func TestParseLogMissingPackage(t *testing.T) {
	content := "! LaTeX Error: File `tikz.sty' not found.\n"
	logPath := filepath.Join(t.TempDir(), "frame.log")
	os.WriteFile(logPath, []byte(content), 0o644)

	errs := ParseLog(logPath)
	if len(errs) == 0 || !strings.Contains(errs[0].Message, `missing package "tikz.sty"`) {
		t.Fatalf("errs = %v", errs)
	}
}
