package dgmd

import (
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrEmptyBody     = errors.New("request form body is empty")
	ErrNotFormFormat = errors.New("request form is not in correct format")
)

const (
	maxInjectedLevels = 2
	wrapperTitle      = "Request Form"
)

// ParseForm parses body and returns the single section that encloses the
// whole form.
//
// Forms are often pasted with their first heading at level 2 or 3 and several
// sections side by side. When the top level does not collapse to exactly one
// header, an enclosing heading one level above the shallowest top-level
// heading is prepended and the body re-parsed, at most twice. The returned
// header is then unwrapped while it contains nothing but a single sub-header.
func ParseForm(body string) (*Header, error) {
	text := body
	for injected := 0; ; injected++ {
		doc, err := Parse(text)
		if err != nil {
			return nil, err
		}
		if section := singleSection(doc.Root); section != nil {
			return unwrap(section), nil
		}
		if injected == maxInjectedLevels {
			return nil, ErrNotFormFormat
		}

		level := shallowestLevel(doc.Root)
		if level <= 1 {
			return nil, ErrNotFormFormat
		}
		text = strings.Repeat("#", level-1) + " " + wrapperTitle + "\n" + text
	}
}

func singleSection(root *Header) *Header {
	if len(root.Contents) != 1 {
		return nil
	}
	h, _ := root.Contents[0].(*Header)
	return h
}

// shallowestLevel returns the lowest heading level directly under root, or 0
// when root has no headers.
func shallowestLevel(root *Header) int {
	level := 0
	for _, h := range root.Headers() {
		if level == 0 || h.Level < level {
			level = h.Level
		}
	}
	return level
}

func unwrap(h *Header) *Header {
	for len(h.Contents) == 1 {
		sub, ok := h.Contents[0].(*Header)
		if !ok {
			break
		}
		h = sub
	}
	return h
}
