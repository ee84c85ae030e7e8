// Package bincheck verifies that the external CLIs a command drives are
// installed.
package bincheck

import (
	"os/exec"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

type Checker struct {
	lookPath func(string) (string, error)
	cache    sync.Map
}

type Option func(*Checker)

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(c *Checker) { c.lookPath = fn }
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the resolved path of name and whether it was found.
func (c *Checker) Check(name string) (string, bool) {
	if v, ok := c.cache.Load(name); ok {
		p, _ := v.(string)
		return p, p != ""
	}
	p, err := c.lookPath(name)
	if err != nil {
		p = ""
	}
	actual, _ := c.cache.LoadOrStore(name, p)
	stored, _ := actual.(string)
	return stored, stored != ""
}

// Require fails when any of names is not on PATH, naming all missing ones.
func (c *Checker) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := c.Check(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Newf("required tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}
