package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/basewarphq/deploygate/cmd/internal/cmdexec"
)

// WriteTree creates files, keyed by slash separated relative path, under a
// fresh temporary directory and returns it.
func WriteTree(tb testing.TB, files map[string]string) string {
	tb.Helper()

	root := tb.TempDir()
	for relPath, content := range files {
		fullPath := filepath.Join(root, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			tb.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0o600); err != nil {
			tb.Fatalf("writing file %s: %v", fullPath, err)
		}
	}
	return root
}

// Call is one command seen by a [FakeRunner].
type Call struct {
	Dir     string
	Name    string
	Args    []string
	LogPath string
}

// Line renders the call as a shell-like command line.
func (c Call) Line() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Arg returns the value following flag, or "".
func (c Call) Arg(flag string) string {
	for i, a := range c.Args {
		if a == flag && i+1 < len(c.Args) {
			return c.Args[i+1]
		}
	}
	return ""
}

// Reply is a canned command result.
type Reply struct {
	Out string
	Err error
}

// FakeRunner records commands and answers them from Routes, matching the
// longest command line prefix. Unmatched commands succeed with no output.
type FakeRunner struct {
	Routes map[string]Reply
	// Handle, when set, is consulted before Routes. Returning ok=false falls
	// through to Routes.
	Handle func(c Call) (reply Reply, ok bool)

	mu    sync.Mutex
	calls []Call
}

var _ cmdexec.Runner = (*FakeRunner)(nil)

func (f *FakeRunner) Output(_ context.Context, dir, name string, args ...string) (string, error) {
	r := f.record(Call{Dir: dir, Name: name, Args: args})
	return r.Out, r.Err
}

func (f *FakeRunner) Tee(_ context.Context, dir, logPath, name string, args ...string) error {
	r := f.record(Call{Dir: dir, Name: name, Args: args, LogPath: logPath})
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(logPath, []byte(r.Out), 0o600); err != nil {
		return err
	}
	return r.Err
}

func (f *FakeRunner) record(c Call) Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)

	if f.Handle != nil {
		if r, ok := f.Handle(c); ok {
			return r
		}
	}

	line := c.Line()
	prefixes := make([]string, 0, len(f.Routes))
	for p := range f.Routes {
		if strings.HasPrefix(line, p) {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		return Reply{}
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	return f.Routes[prefixes[0]]
}

func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Lines returns the command lines of every call starting with prefix.
func (f *FakeRunner) Lines(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if line := c.Line(); strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out
}

// AWSError mimics a failed aws CLI invocation.
func AWSError(stderr string) error {
	return &cmdexec.Error{Cmd: "aws", ExitCode: 254, Stderr: stderr}
}
