// Package issuectx loads the issue and branch details the CI workflow passes
// on the command line. Each argument is either inline JSON or the path of a
// file holding it.
package issuectx

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/basewarphq/deploygate/dgform"
	"github.com/cockroachdb/errors"
)

func LoadIssue(arg string) (dgform.Issue, error) {
	var issue dgform.Issue
	if err := decode(arg, "issue details", &issue); err != nil {
		return dgform.Issue{}, err
	}
	return issue, nil
}

// LoadBranch decodes branch details. An empty argument yields an empty
// branch.
func LoadBranch(arg string) (dgform.Branch, error) {
	var branch dgform.Branch
	if strings.TrimSpace(arg) == "" {
		return branch, nil
	}
	if err := decode(arg, "branch details", &branch); err != nil {
		return dgform.Branch{}, err
	}
	return branch, nil
}

func decode(arg, what string, v any) error {
	data, err := read(arg)
	if err != nil {
		return errors.Wrapf(err, "reading %s", what)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.Newf("%s are empty", what)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parsing %s", what)
	}
	return nil
}

func read(arg string) ([]byte, error) {
	trimmed := strings.TrimSpace(arg)
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}
	return os.ReadFile(trimmed)
}
