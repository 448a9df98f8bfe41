package compiler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"tikzmotion/internal/frame"
)

// Compiler turns one frame's source into a page artifact inside a
// private working directory. Implementations must be safe for
// concurrent use: the scheduler calls Compile from every worker.
type Compiler interface {
	// Compile writes the frame source into workDir, produces the artifact
	// there, and returns its path. The context bounds the whole job; on
	// expiry the subprocess (if any) must be terminated, not leaked.
	Compile(ctx context.Context, spec frame.Spec, workDir string) (string, error)

	// Name identifies the compiler for cache metadata.
	Name() string
}

// ExecCompiler runs a LaTeX engine as a child process.
type ExecCompiler struct {
	Engine      Engine
	ShellEscape bool
	ExtraArgs   []string
	Logger      *slog.Logger
}

// NewExecCompiler selects an engine for the template's packages and
// returns a compiler bound to it.
func NewExecCompiler(preferred Engine, packages []string, shellEscape bool, logger *slog.Logger) (*ExecCompiler, error) {
	engine, err := Select(preferred, packages)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecCompiler{Engine: engine, ShellEscape: shellEscape, Logger: logger}, nil
}

// Name returns the engine name.
func (c *ExecCompiler) Name() string { return string(c.Engine) }

// Compile writes frame.tex into workDir, invokes the engine there, and
// classifies the outcome. The engine runs in its own process group so a
// timeout can kill the whole tree, and with a minimal environment: PATH
// and HOME are required for the TeX format and font caches, nothing else
// is passed through.
func (c *ExecCompiler) Compile(ctx context.Context, spec frame.Spec, workDir string) (string, error) {
	texPath := filepath.Join(workDir, "frame.tex")
	pdfPath := filepath.Join(workDir, "frame.pdf")
	logPath := filepath.Join(workDir, "frame.log")

	if err := os.WriteFile(texPath, []byte(spec.Source), 0o644); err != nil {
		return "", fmt.Errorf("writing frame source: %w", err)
	}

	argv := Command(c.Engine, texPath, workDir, c.ShellEscape, c.ExtraArgs)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = minimalEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", c.Engine, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		// Kill the whole process group, then reap.
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return "", fmt.Errorf("compile terminated: %w", ctx.Err())
	case runErr = <-done:
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			return "", fmt.Errorf("running %s: %w", c.Engine, runErr)
		}
		// Non-zero exit: fall through, the log has the real diagnosis.
	}

	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("%s produced no artifact: %s",
			c.Engine, FormatErrors(ParseLog(logPath)))
	}
	if runErr != nil {
		return "", fmt.Errorf("%s exited non-zero: %s",
			c.Engine, FormatErrors(ParseLog(logPath)))
	}

	if err := validateArtifact(pdfPath); err != nil {
		return "", fmt.Errorf("%s produced a malformed artifact: %w", c.Engine, err)
	}
	return pdfPath, nil
}

// validateArtifact rejects truncated or structurally broken PDFs before
// they can enter the cache.
func validateArtifact(pdfPath string) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.ValidateFile(pdfPath, conf)
}

// minimalEnv passes through only what the engine needs to find its
// binaries and caches.
func minimalEnv() []string {
	var env []string
	for _, key := range []string{"PATH", "HOME", "TMPDIR", "TEXMFHOME", "TEXMFVAR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
