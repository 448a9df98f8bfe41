package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"tikzmotion/internal/texgen"
)

const (
	ExitSuccess           = 0
	ExitRunFailure        = 1
	ExitInvalidInvocation = 2
)

// Command selects the CLI operation.
type Command string

const (
	CommandRun   Command = "run"
	CommandPrune Command = "prune"
	CommandClear Command = "clear"
)

// Invocation is the fully canonicalized description of one CLI call:
// the command, the frame parameter values already expanded from the
// sweep flags, and the effective configuration with flag overrides
// applied over the config file.
type Invocation struct {
	Command      Command
	TemplatePath string
	OutputDir    string
	Values       []float64
	Verbose      bool
	Config       *Config
}

// InvocationError carries the semantic exit code for a rejected invocation.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ExitCodeFor maps an error to a semantic exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr.ExitCode != 0 {
		return invErr.ExitCode
	}
	return ExitRunFailure
}

// ParseInvocation parses CLI arguments into a canonical Invocation.
//
// An optional leading subcommand (run, prune, clear) precedes the
// flags; absent, the command is run. Flags set explicitly on the
// command line override values from the config file.
func ParseInvocation(args []string) (Invocation, error) {
	cmd := CommandRun
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch Command(args[0]) {
		case CommandRun, CommandPrune, CommandClear:
			cmd = Command(args[0])
			args = args[1:]
		default:
			return Invocation{}, invalidInvocationf(
				"unknown command %q (use run, prune or clear)", args[0])
		}
	}

	fs := flag.NewFlagSet("tikzmotion", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var (
		configPath   string
		templatePath string
		outputDir    string
		start        float64
		stop         float64
		step         float64
		count        int
		engine       string
		workers      int
		timeout      string
		policy       string
		shellEscape  bool
		paramToken   string
		cacheDir     string
		noCache      bool
		noBBox       bool
		samples      int
		padding      float64
		verbose      bool
	)

	fs.StringVar(&configPath, "config", "", "yaml config file")
	fs.StringVar(&templatePath, "template", "", "TikZ template file. Required for run.")
	fs.StringVar(&outputDir, "out", "", "directory to receive frame-NNNN.pdf copies")
	fs.Float64Var(&start, "start", 0, "first parameter value")
	fs.Float64Var(&stop, "stop", 0, "last parameter value (inclusive)")
	fs.Float64Var(&step, "step", 0, "parameter increment per frame")
	fs.IntVar(&count, "frames", 0, "frame count; derives the step from start/stop")
	fs.StringVar(&engine, "engine", "", "LaTeX engine: pdflatex|xelatex|lualatex (default: auto)")
	fs.IntVar(&workers, "workers", 0, "parallel compile workers (default: all CPUs)")
	fs.StringVar(&timeout, "timeout", "", "per-frame compile timeout, e.g. 120s")
	fs.StringVar(&policy, "policy", "", "on frame failure: abort|skip|retry")
	fs.BoolVar(&shellEscape, "shell-escape", false, "pass -shell-escape to the engine")
	fs.StringVar(&paramToken, "param", "", `parameter placeholder token (default \PARAM)`)
	fs.StringVar(&cacheDir, "cache-dir", "", "cache directory (default: user cache dir)")
	fs.BoolVar(&noCache, "no-cache", false, "compile without the persistent cache")
	fs.BoolVar(&noBBox, "no-bbox", false, "skip bounding-box normalization")
	fs.IntVar(&samples, "samples", 0, "bounding-box probe sample count")
	fs.Float64Var(&padding, "padding", -1, "bounding-box padding in bp")
	fs.BoolVar(&verbose, "v", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf(
			"unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	cfg := DefaultConfig()
	if configPath != "" {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return Invocation{}, invalidInvocationf("%v", err)
		}
		cfg = loaded
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["engine"] {
		cfg.Engine = engine
	}
	if set["workers"] {
		cfg.Workers = workers
	}
	if set["timeout"] {
		cfg.Timeout = timeout
	}
	if set["policy"] {
		cfg.Policy = policy
	}
	if set["shell-escape"] {
		cfg.ShellEscape = shellEscape
	}
	if set["param"] {
		cfg.ParamToken = paramToken
	}
	if set["cache-dir"] {
		cfg.Cache.Dir = cacheDir
	}
	if set["no-cache"] {
		cfg.Cache.Disabled = noCache
	}
	if set["no-bbox"] {
		cfg.BBox.Normalize = !noBBox
	}
	if set["samples"] {
		cfg.BBox.Samples = samples
	}
	if set["padding"] {
		cfg.BBox.Padding = padding
	}
	if err := cfg.Validate(); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}

	inv := Invocation{
		Command:      cmd,
		TemplatePath: templatePath,
		OutputDir:    outputDir,
		Verbose:      verbose,
		Config:       cfg,
	}
	if cmd != CommandRun {
		return inv, nil
	}

	if templatePath == "" {
		return Invocation{}, invalidInvocationf("--template is required")
	}
	values, err := sweepValues(start, stop, step, count, set)
	if err != nil {
		return Invocation{}, err
	}
	inv.Values = values
	return inv, nil
}

// sweepValues expands the sweep flags into per-frame parameter values.
// Either --step or --frames defines the progression; --frames wins when
// both are given.
func sweepValues(start, stop, step float64, count int, set map[string]bool) ([]float64, error) {
	if !set["stop"] {
		return nil, invalidInvocationf("--stop is required")
	}
	switch {
	case set["frames"]:
		if count < 1 {
			return nil, invalidInvocationf("--frames must be >= 1")
		}
		if count == 1 {
			return []float64{start}, nil
		}
		values := make([]float64, count)
		span := stop - start
		for i := range values {
			values[i] = start + span*float64(i)/float64(count-1)
		}
		return values, nil

	case set["step"]:
		values, err := texgen.SweepValues(start, stop, step)
		if err != nil {
			return nil, invalidInvocationf("%v", err)
		}
		return values, nil

	default:
		return nil, invalidInvocationf("one of --step or --frames is required")
	}
}
