package cmdexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Runner runs external commands. The aws and cdk CLIs are driven through it
// so tests can substitute a fake.
type Runner interface {
	// Output runs the command and returns its stdout.
	Output(ctx context.Context, dir, name string, args ...string) (string, error)
	// Tee streams the command's output to the terminal and to logPath. Stderr
	// also goes to a sibling ".error.log" file.
	Tee(ctx context.Context, dir, logPath, name string, args ...string) error
}

// Error is a command that could not be started or exited non-zero.
type Error struct {
	Cmd      string
	Args     []string
	Dir      string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("(in %s) %s %s", e.Dir, e.Cmd, strings.Join(e.Args, " "))
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit %d\n%s", msg, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("%s: exit %d", msg, e.ExitCode)
}

// StderrContains reports whether err is an [*Error] whose stderr contains
// substr.
func StderrContains(err error, substr string) bool {
	var cmdErr *Error
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, substr)
}

// Exec runs commands on the host.
type Exec struct{}

var _ Runner = Exec{}

func (Exec) Output(ctx context.Context, dir, name string, args ...string) (string, error) {
	if err := checkDir(dir); err != nil {
		return "", err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		return "", wrapErr(dir, name, args, err, stderr.String())
	}
	return string(out), nil
}

func (Exec) Tee(ctx context.Context, dir, logPath, name string, args ...string) error {
	if err := checkDir(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(logPath))
	}

	outFile, err := os.Create(logPath)
	if err != nil {
		return errors.Wrapf(err, "creating %s", logPath)
	}
	defer outFile.Close()
	errFile, err := os.Create(ErrorLogPath(logPath))
	if err != nil {
		return errors.Wrapf(err, "creating %s", ErrorLogPath(logPath))
	}
	defer errFile.Close()

	var stderrBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = io.MultiWriter(os.Stdout, outFile)
	cmd.Stderr = io.MultiWriter(os.Stderr, errFile, &stderrBuf)

	if err := cmd.Run(); err != nil {
		return wrapErr(dir, name, args, err, stderrBuf.String())
	}
	return nil
}

func checkDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return errors.Newf("cmdexec: dir must be absolute, got %q", dir)
	}
	return nil
}

// ErrorLogPath is where [Runner.Tee] writes stderr for logPath.
func ErrorLogPath(logPath string) string {
	return strings.TrimSuffix(logPath, filepath.Ext(logPath)) + ".error.log"
}

func wrapErr(dir, name string, args []string, err error, stderr string) error {
	exitCode := 1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
		if stderr == "" {
			stderr = string(exitErr.Stderr)
		}
	}
	return &Error{
		Cmd:      name,
		Args:     args,
		Dir:      dir,
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}
