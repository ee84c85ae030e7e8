package dgmd

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})[ \t]+(.*?)(?:[ \t]+#+)?[ \t]*$`)
	checkboxRe = regexp.MustCompile(`^([ \t]*)(?:(?:[-*+]|\d+[.)])[ \t]+)?\[([ xX])\](?:[ \t]+(.*))?$`)
	bulletRe   = regexp.MustCompile(`^([ \t]*)[-*+][ \t]+(.*)$`)
	numberedRe = regexp.MustCompile(`^([ \t]*)\d+[.)][ \t]+(.*)$`)
	fenceRe    = regexp.MustCompile("^[ \t]*(```|~~~)")

	boldTitleRe  = regexp.MustCompile(`^\*\*(.+?)\*\*[ \t]*:[ \t]*(.*)$`)
	boldColonRe  = regexp.MustCompile(`^\*\*(.+?):\*\*[ \t]*(.*)$`)
	plainTitleRe = regexp.MustCompile(`^([^:]+?):(?:[ \t]+(.*))?$`)

	inlineCommentRe = regexp.MustCompile(`<!--.*?-->`)
)

const maxLineSize = 1 << 20

// Parse builds the node tree of body. It only fails for an empty body or
// unreadable input; unusual formatting degrades to [ListItemPlain].
func Parse(body string) (*Document, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}

	p := newParser()
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		p.line(strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading form body")
	}

	for _, h := range p.headers {
		h.RawContents = trimTrailingBlank(h.RawContents)
	}
	return &Document{Root: p.root}, nil
}

type parser struct {
	root    *Header
	stack   []*Header
	headers []*Header

	// last is the list entry an indented line continues, nil after a blank
	// line or a heading.
	last Node

	// nested is the title entry whose value is being read from deeper list
	// lines, as in "- **Version**:" followed by "  - v1.4.0".
	nested *ListItemTitleContent

	inFence   bool
	inComment bool
}

func newParser() *parser {
	root := &Header{}
	return &parser{
		root:    root,
		stack:   []*Header{root},
		headers: []*Header{root},
	}
}

func (p *parser) top() *Header {
	return p.stack[len(p.stack)-1]
}

func (p *parser) appendRaw(line string) {
	for _, h := range p.stack {
		h.RawContents = append(h.RawContents, line)
	}
}

func (p *parser) line(raw string) {
	if p.inFence {
		p.appendRaw(raw)
		if fenceRe.MatchString(raw) {
			p.inFence = false
		}
		return
	}

	if p.inComment {
		p.appendRaw(raw)
		if strings.Contains(raw, "-->") {
			p.inComment = false
		}
		return
	}

	if m := headingRe.FindStringSubmatch(raw); m != nil {
		p.heading(raw, len(m[1]), m[2])
		return
	}

	p.appendRaw(raw)

	trimmed := strings.TrimSpace(raw)
	switch {
	case trimmed == "":
		p.last, p.nested = nil, nil
		return
	case fenceRe.MatchString(raw):
		p.inFence = true
		p.last, p.nested = nil, nil
		return
	case strings.HasPrefix(trimmed, "<!--"):
		if !strings.Contains(trimmed[4:], "-->") {
			p.inComment = true
		}
		return
	}

	if m := checkboxRe.FindStringSubmatch(raw); m != nil {
		p.add(&ListItemTodo{
			Label:     stripBold(clean(m[3])),
			IsChecked: m[2] != " ",
			Depth:     depth(m[1]),
		})
		return
	}
	if m := bulletRe.FindStringSubmatch(raw); m != nil {
		p.addText(m[2], depth(m[1]))
		return
	}
	if m := numberedRe.FindStringSubmatch(raw); m != nil {
		p.addText(m[2], depth(m[1]))
		return
	}

	if p.last != nil && (raw[0] == ' ' || raw[0] == '\t') {
		appendContinuation(p.last, clean(trimmed))
		return
	}
	p.addText(trimmed, 0)
}

func (p *parser) heading(raw string, level int, title string) {
	for len(p.stack) > 1 && p.top().Level >= level {
		p.stack = p.stack[:len(p.stack)-1]
	}
	p.appendRaw(raw)

	h := &Header{Title: stripBold(clean(title)), Level: level}
	parent := p.top()
	parent.Contents = append(parent.Contents, h)
	p.stack = append(p.stack, h)
	p.headers = append(p.headers, h)
	p.last, p.nested = nil, nil
}

func (p *parser) addText(text string, d int) {
	text = clean(text)
	if text == "" {
		return
	}
	if p.foldNested(text, d) {
		return
	}
	p.add(classify(text, d))
}

// foldNested appends a deeper plain list line to the value of the title
// entry above it when that entry was written without an inline value.
func (p *parser) foldNested(text string, d int) bool {
	if p.nested == nil {
		it, ok := p.last.(*ListItemTitleContent)
		if !ok || it.Content != nil {
			return false
		}
		p.nested = it
	}
	if d <= p.nested.Depth {
		p.nested = nil
		return false
	}
	if _, ok := classify(text, d).(*ListItemPlain); !ok {
		p.nested = nil
		return false
	}
	appendContinuation(p.nested, text)
	return true
}

func (p *parser) add(n Node) {
	h := p.top()
	h.Contents = append(h.Contents, n)
	p.last = n
	p.nested = nil
}

func classify(text string, d int) Node {
	for _, re := range []*regexp.Regexp{boldTitleRe, boldColonRe, plainTitleRe} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		title := stripBold(m[1])
		if title == "" {
			break
		}
		it := &ListItemTitleContent{Title: title, Depth: d}
		if content := strings.TrimSpace(m[2]); content != "" {
			it.Content = &content
		}
		return it
	}
	return &ListItemPlain{Text: text, Depth: d}
}

func appendContinuation(n Node, text string) {
	if text == "" {
		return
	}
	switch n := n.(type) {
	case *ListItemPlain:
		n.Text += " " + text
	case *ListItemTitleContent:
		if n.Content == nil {
			n.Content = &text
			return
		}
		joined := *n.Content + " " + text
		n.Content = &joined
	case *ListItemTodo:
		n.Label += " " + text
	}
}

func depth(indent string) int {
	width := 0
	for _, r := range indent {
		if r == '\t' {
			width += 4
			continue
		}
		width++
	}
	return width / 2
}

func clean(s string) string {
	return strings.TrimSpace(inlineCommentRe.ReplaceAllString(s, ""))
}

func stripBold(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "**", ""))
}

func trimTrailingBlank(lines []string) []string {
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[:end]
}
