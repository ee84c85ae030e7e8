package dgmd

import (
	"fmt"
	"strings"
)

// Render writes n back out as canonical markdown: ATX headings, "- " bullets
// indented two spaces per depth and "**Title**: content" pairs.
func Render(n Node) string {
	var b strings.Builder
	render(&b, n)
	return b.String()
}

func render(b *strings.Builder, n Node) {
	switch n := n.(type) {
	case *Header:
		if n.Level > 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(strings.Repeat("#", n.Level))
			b.WriteString(" ")
			b.WriteString(n.Title)
			b.WriteString("\n")
		}
		for _, c := range n.Contents {
			render(b, c)
		}
	case *ListItemPlain:
		writeItem(b, n.Depth, n.Text)
	case *ListItemTitleContent:
		text := "**" + n.Title + "**:"
		if n.Content != nil {
			text += " " + *n.Content
		}
		writeItem(b, n.Depth, text)
	case *ListItemTodo:
		mark := "[ ]"
		if n.IsChecked {
			mark = "[x]"
		}
		text := mark
		if n.Label != "" {
			text += " " + n.Label
		}
		writeItem(b, n.Depth, text)
	default:
		panic(fmt.Sprintf("dgmd: unknown node type %T", n))
	}
}

func writeItem(b *strings.Builder, depth int, text string) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString("- ")
	b.WriteString(text)
	b.WriteString("\n")
}

// Equal reports whether a and b have the same structure and values.
// RawContents is ignored.
func Equal(a, b Node) bool {
	switch a := a.(type) {
	case *Header:
		b, ok := b.(*Header)
		if !ok || a.Title != b.Title || a.Level != b.Level || len(a.Contents) != len(b.Contents) {
			return false
		}
		for i := range a.Contents {
			if !Equal(a.Contents[i], b.Contents[i]) {
				return false
			}
		}
		return true
	case *ListItemPlain:
		b, ok := b.(*ListItemPlain)
		return ok && *a == *b
	case *ListItemTitleContent:
		b, ok := b.(*ListItemTitleContent)
		if !ok || a.Title != b.Title || a.Depth != b.Depth {
			return false
		}
		if a.Content == nil || b.Content == nil {
			return a.Content == nil && b.Content == nil
		}
		return *a.Content == *b.Content
	case *ListItemTodo:
		b, ok := b.(*ListItemTodo)
		return ok && *a == *b
	default:
		return false
	}
}
