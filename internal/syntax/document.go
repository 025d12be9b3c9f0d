// Package syntax scans Rust sources with tree-sitter for macro call sites and
// item definitions, and keeps parsed documents in a Workspace.
package syntax

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	sitter "github.com/smacker/go-tree-sitter"
)

var callIDs atomic.Uint64

// Call is the identity of one macro call site. It survives edits that do
// not touch the call, so a *Call can be held as a direct reference.
type Call struct {
	id uint64
}

func newCall() *Call {
	return &Call{id: callIDs.Add(1)}
}

func (c *Call) String() string { return "call#" + strconv.FormatUint(c.id, 10) }

// Site is a macro invocation in a document.
type Site struct {
	Call *Call
	// Path is the dotted list of child indices from the root to the
	// macro_invocation node.
	Path     string
	Name     string
	Body     string
	BodyHash string
	Start    int
	End      int
	// BodyStart is the byte offset of Body within the document.
	BodyStart int
}

// Definition is a top-level (or module-level) item.
type Definition struct {
	Name  string
	Kind  string
	Hash  string
	Body  string
	Start int
	End   int
}

// Document is an immutable parsed snapshot of one handle.
type Document struct {
	Handle string
	Source []byte
	Stamp  int64
	Sites  []Site
	Defs   []Definition

	byPath map[string]int
	byCall map[*Call]int
}

// SiteAt returns the call site at a structural path.
func (d *Document) SiteAt(path string) (Site, bool) {
	i, ok := d.byPath[path]
	if !ok {
		return Site{}, false
	}
	return d.Sites[i], true
}

// Locate returns the current state of a call.
func (d *Document) Locate(c *Call) (Site, bool) {
	i, ok := d.byCall[c]
	if !ok {
		return Site{}, false
	}
	return d.Sites[i], true
}

// Definition returns the first definition named name.
func (d *Document) Definition(name string) (Definition, bool) {
	for _, def := range d.Defs {
		if def.Name == name {
			return def, true
		}
	}
	return Definition{}, false
}

// MacroName strips any path qualification from a macro name.
func MacroName(name string) string {
	if i := strings.LastIndex(name, "::"); i >= 0 {
		return name[i+2:]
	}
	return name
}

// ContentStamp derives a positive stamp from content. Equal content yields
// equal stamps across processes.
func ContentStamp(src []byte) int64 {
	sum := sha256.Sum256(src)
	v := int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
	if v == 0 {
		v = 1
	}
	return v
}

func hashString(s string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(s)))
}

// Parse parses src as Rust and scans it.
func Parse(ctx context.Context, handle string, src []byte) (*Document, error) {
	lang, _ := ParserForLanguage("rust")
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("syntax: parse %s: %w", handle, err)
	}

	d := &Document{
		Handle: handle,
		Source: src,
		Stamp:  ContentStamp(src),
	}
	root := tree.RootNode()
	scanCalls(root, src, nil, d)
	scanDefs(root, src, d)
	d.index()
	return d, nil
}

func (d *Document) index() {
	d.byPath = make(map[string]int, len(d.Sites))
	d.byCall = make(map[*Call]int, len(d.Sites))
	for i, s := range d.Sites {
		d.byPath[s.Path] = i
		d.byCall[s.Call] = i
	}
}

// scanCalls collects macro invocations in document order. Token trees are
// not descended into.
func scanCalls(n *sitter.Node, src []byte, path []int, d *Document) {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil {
			continue
		}
		p := append(path[:len(path):len(path)], i)
		if c.Type() == "macro_invocation" {
			if s, ok := newSite(c, src, p); ok {
				d.Sites = append(d.Sites, s)
			}
			continue
		}
		scanCalls(c, src, p, d)
	}
}

func newSite(n *sitter.Node, src []byte, path []int) (Site, bool) {
	nameNode := n.ChildByFieldName("macro")
	if nameNode == nil {
		return Site{}, false
	}
	s := Site{
		Call:  newCall(),
		Path:  joinPath(path),
		Name:  nameNode.Content(src),
		Start: int(n.StartByte()),
		End:   int(n.EndByte()),
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || c.Type() != "token_tree" {
			continue
		}
		start, end := int(c.StartByte()), int(c.EndByte())
		if end-start >= 2 {
			start, end = start+1, end-1
		}
		s.Body = string(src[start:end])
		s.BodyStart = start
		break
	}
	s.BodyHash = hashString(MacroName(s.Name) + "!" + s.Body)
	return s, true
}

func joinPath(path []int) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ".")
}

// itemKinds maps item node types to definition kinds.
var itemKinds = map[string]string{
	"function_item":    "function",
	"struct_item":      "struct",
	"enum_item":        "enum",
	"trait_item":       "trait",
	"mod_item":         "mod",
	"const_item":       "const",
	"static_item":      "static",
	"type_item":        "type",
	"macro_definition": "macro",
}

// scanDefs collects items at the top level and inside inline modules.
func scanDefs(n *sitter.Node, src []byte, d *Document) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c == nil {
			continue
		}
		kind, ok := itemKinds[c.Type()]
		if !ok {
			continue
		}
		if name := c.ChildByFieldName("name"); name != nil {
			body := c.Content(src)
			d.Defs = append(d.Defs, Definition{
				Name:  name.Content(src),
				Kind:  kind,
				Hash:  hashString(body),
				Body:  body,
				Start: int(c.StartByte()),
				End:   int(c.EndByte()),
			})
		}
		if kind == "mod" {
			if body := c.ChildByFieldName("body"); body != nil {
				scanDefs(body, src, d)
			}
		}
	}
}

// rebase parses next and carries call identities over from prev for call
// sites outside the changed byte range.
func rebase(ctx context.Context, prev *Document, next []byte) (*Document, error) {
	d, err := Parse(ctx, prev.Handle, next)
	if err != nil {
		return nil, err
	}
	start, oldEnd, newEnd := changedRange(prev.Source, next)
	delta := newEnd - oldEnd

	oldByStart := make(map[int]Site, len(prev.Sites))
	for _, s := range prev.Sites {
		oldByStart[s.Start] = s
	}
	for i, s := range d.Sites {
		var old Site
		var ok bool
		switch {
		case s.End <= start:
			old, ok = oldByStart[s.Start]
		case s.Start >= newEnd:
			old, ok = oldByStart[s.Start-delta]
		}
		if ok && old.End-old.Start == s.End-s.Start && old.BodyHash == s.BodyHash {
			d.Sites[i].Call = old.Call
		}
	}
	d.index()
	return d, nil
}

// changedRange returns the byte range [start, oldEnd) of prev replaced by
// [start, newEnd) of next, found by trimming the common prefix and suffix.
func changedRange(prev, next []byte) (start, oldEnd, newEnd int) {
	n := min(len(prev), len(next))
	for start < n && prev[start] == next[start] {
		start++
	}
	oldEnd, newEnd = len(prev), len(next)
	for oldEnd > start && newEnd > start && prev[oldEnd-1] == next[newEnd-1] {
		oldEnd--
		newEnd--
	}
	return start, oldEnd, newEnd
}
