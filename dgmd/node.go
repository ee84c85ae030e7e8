// Package dgmd parses the heading and list subset of markdown used by request
// forms into a typed node tree.
//
// A document is a forest rooted at a synthetic level 0 [Header]. Headers own
// their sub-headers and the list entries that follow them. List entries are a
// flat run of siblings; nesting is kept on each entry as its Depth.
package dgmd

import "strings"

// Node is one element of a parsed document. The variants are [*Header],
// [*ListItemPlain], [*ListItemTitleContent] and [*ListItemTodo].
type Node interface {
	node()
}

// Header is a heading together with everything below it up to the next
// heading of the same or a shallower level.
type Header struct {
	Title    string
	Level    int
	Contents []Node
	// RawContents holds the verbatim source lines of the subtree, without the
	// heading line itself.
	RawContents []string
}

// ListItemPlain is a list entry or paragraph line with no further structure.
type ListItemPlain struct {
	Text  string
	Depth int
}

// ListItemTitleContent is an entry shaped like "**Title**: content" or
// "Title: content". Content is nil when nothing follows the colon.
type ListItemTitleContent struct {
	Title   string
	Content *string
	Depth   int
}

// ListItemTodo is a checkbox entry.
type ListItemTodo struct {
	Label     string
	IsChecked bool
	Depth     int
}

func (*Header) node()               {}
func (*ListItemPlain) node()        {}
func (*ListItemTitleContent) node() {}
func (*ListItemTodo) node()         {}

// Document is the result of [Parse].
type Document struct {
	Root *Header
}

// ContentString returns the content or the empty string when absent.
func (it *ListItemTitleContent) ContentString() string {
	if it.Content == nil {
		return ""
	}
	return *it.Content
}

// Headers returns the header nodes among nodes, in order.
func Headers(nodes []Node) []*Header {
	var out []*Header
	for _, n := range nodes {
		if h, ok := n.(*Header); ok {
			out = append(out, h)
		}
	}
	return out
}

// ListItems returns the non-header nodes among nodes, in order.
func ListItems(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		if _, ok := n.(*Header); !ok {
			out = append(out, n)
		}
	}
	return out
}

// Headers returns the direct sub-headers of h.
func (h *Header) Headers() []*Header {
	return Headers(h.Contents)
}

// Items returns the direct list entries of h.
func (h *Header) Items() []Node {
	return ListItems(h.Contents)
}

// TitleContents returns the direct title/content entries of h.
func (h *Header) TitleContents() []*ListItemTitleContent {
	var out []*ListItemTitleContent
	for _, n := range h.Contents {
		if it, ok := n.(*ListItemTitleContent); ok {
			out = append(out, it)
		}
	}
	return out
}

// Find returns the first direct sub-header whose title contains substr,
// ignoring case, or nil.
func (h *Header) Find(substr string) *Header {
	for _, sub := range h.Headers() {
		if ContainsFold(sub.Title, substr) {
			return sub
		}
	}
	return nil
}

// Todos returns every checkbox entry in the subtree of h, depth first.
func (h *Header) Todos() []*ListItemTodo {
	var out []*ListItemTodo
	for _, n := range h.Contents {
		switch n := n.(type) {
		case *ListItemTodo:
			out = append(out, n)
		case *Header:
			out = append(out, n.Todos()...)
		}
	}
	return out
}

// ContainsFold reports whether substr is within s, ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
