// Package policytmpl renders IAM policy templates. Templates are JSON files
// with {{key}} placeholders filled from a value map.
package policytmpl

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// Document is a rendered policy.
type Document struct {
	// Name is derived from the template file name.
	Name string
	// Body is the rendered policy as compact JSON.
	Body string

	statements []statement
}

type statement struct {
	Sid string `json:"Sid"`
}

type policy struct {
	Version   string          `json:"Version"`
	Statement json.RawMessage `json:"Statement"`
}

// Interpolate replaces every placeholder in val. Unknown keys and empty
// values are errors.
func Interpolate(val string, values map[string]string) (string, error) {
	var resolveErr error
	result := placeholderRe.ReplaceAllStringFunc(val, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := values[key]
		if !ok {
			resolveErr = errors.Newf("unknown template key %q", key)
			return match
		}
		if v == "" {
			resolveErr = errors.Newf("template key %q has no value", key)
			return match
		}
		return v
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// Load renders the template at path and checks it is a policy document with
// a Version and a Statement list.
func Load(path string, values map[string]string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrapf(err, "reading policy template %s", path)
	}
	rendered, err := Interpolate(string(data), values)
	if err != nil {
		return Document{}, errors.Wrapf(err, "rendering %s", path)
	}

	doc, err := parse(PolicyName(path), []byte(rendered))
	if err != nil {
		return Document{}, errors.Wrapf(err, "invalid policy %s", path)
	}
	return doc, nil
}

func parse(name string, data []byte) (Document, error) {
	var p policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Document{}, errors.Wrap(err, "parsing JSON")
	}
	if p.Version == "" {
		return Document{}, errors.New("Version is required")
	}
	if len(p.Statement) == 0 {
		return Document{}, errors.New("Statement is required")
	}

	var stmts []statement
	if err := json.Unmarshal(p.Statement, &stmts); err != nil {
		return Document{}, errors.New("Statement must be a list")
	}
	if len(stmts) == 0 {
		return Document{}, errors.New("Statement must not be empty")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return Document{}, errors.Wrap(err, "compacting JSON")
	}
	return Document{Name: name, Body: compact.String(), statements: stmts}, nil
}

// CheckSids requires every statement to carry a unique Sid.
func (d Document) CheckSids() error {
	seen := make(map[string]bool, len(d.statements))
	for i, s := range d.statements {
		if s.Sid == "" {
			return errors.Newf("policy %s: statement %d has no Sid", d.Name, i)
		}
		if seen[s.Sid] {
			return errors.Newf("policy %s: duplicate Sid %q", d.Name, s.Sid)
		}
		seen[s.Sid] = true
	}
	return nil
}

// LoadDir renders every *.json template in dir, sorted by file name, and
// checks their Sids. A missing dir yields no documents.
func LoadDir(dir string, values map[string]string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", dir)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		doc, err := Load(filepath.Join(dir, name), values)
		if err != nil {
			return nil, err
		}
		if err := doc.CheckSids(); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// PolicyName turns a template path into a policy name: the base name without
// extension, with underscores and spaces as hyphens.
func PolicyName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.NewReplacer("_", "-", " ", "-").Replace(base)
}
