// Package ghout appends step outputs in the GitHub Actions GITHUB_OUTPUT
// format.
package ghout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/basewarphq/deploygate/dgform"
	"github.com/cockroachdb/errors"
)

const delimiterBase = "DEPLOYGATE_EOF"

// Export appends facts to the file at path, creating it and its directory
// when missing.
func Export(path string, facts *dgform.FactSet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	if err := Write(f, facts); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// Write writes one entry per fact in insertion order. Multi-line values use
// the key<<DELIMITER heredoc form.
func Write(w io.Writer, facts *dgform.FactSet) error {
	for _, key := range facts.Keys() {
		value, _ := facts.Get(key)

		var err error
		if strings.ContainsAny(value, "\r\n") {
			delim := delimiterFor(value)
			_, err = fmt.Fprintf(w, "%s<<%s\n%s\n%s\n", key, delim, value, delim)
		} else {
			_, err = fmt.Fprintf(w, "%s=%s\n", key, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func delimiterFor(value string) string {
	delim := delimiterBase
	for i := 1; strings.Contains(value, delim); i++ {
		delim = fmt.Sprintf("%s_%d", delimiterBase, i)
	}
	return delim
}
