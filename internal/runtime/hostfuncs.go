package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"
	"go.uber.org/zap"

	"github.com/jward/understory/internal/syntax"
)

// parsed holds the source of every tree parse produced during one script
// run, keyed by root node. go-tree-sitter nodes do not expose their
// source, so lookups walk Parent() up to the root.
type parsed struct {
	mu   sync.Mutex
	src  map[*sitter.Node][]byte
	tree []*sitter.Tree
}

func newParsed() *parsed {
	return &parsed{src: make(map[*sitter.Node][]byte)}
}

func (p *parsed) add(tree *sitter.Tree, src []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.src[tree.RootNode()] = src
	p.tree = append(p.tree, tree)
}

func (p *parsed) sourceOf(node *sitter.Node) ([]byte, bool) {
	for node.Parent() != nil {
		node = node.Parent()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	src, ok := p.src[node]
	return src, ok
}

// nodeArg unwraps a proxied *sitter.Node argument of the builtin fn.
func nodeArg(fn string, arg object.Object) (*sitter.Node, *object.Error) {
	proxy, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected a node, got %s", fn, arg.Type())
	}
	node, ok := proxy.Interface().(*sitter.Node)
	if !ok || node == nil {
		return nil, object.Errorf("%s: expected a node, got %T", fn, proxy.Interface())
	}
	return node, nil
}

func proxyOf(fn string, v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		return object.Errorf("%s: %v", fn, err)
	}
	return p
}

// parse(source) parses Rust source and returns the tree.
func makeParseFn(p *parsed) *object.Builtin {
	return object.NewBuiltin("parse", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("parse", 1, len(args))
		}
		s, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("parse: source must be a string, got %s", args[0].Type())
		}
		lang, _ := syntax.ParserForLanguage("rust")
		parser := sitter.NewParser()
		defer parser.Close()
		parser.SetLanguage(lang)

		src := []byte(s.Value())
		tree, err := parser.ParseCtx(ctx, nil, src)
		if err != nil {
			return object.Errorf("parse: %v", err)
		}
		p.add(tree, src)
		return proxyOf("parse", tree)
	})
}

// node_text(node) returns the source text a node spans.
func makeNodeTextFn(p *parsed) *object.Builtin {
	return object.NewBuiltin("node_text", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_text", 1, len(args))
		}
		node, oerr := nodeArg("node_text", args[0])
		if oerr != nil {
			return oerr
		}
		src, ok := p.sourceOf(node)
		if !ok {
			return object.Errorf("node_text: node does not belong to a parsed tree")
		}
		return object.NewString(node.Content(src))
	})
}

// node_child(node, field) returns the child under field, or nil.
func makeNodeChildFn() *object.Builtin {
	return object.NewBuiltin("node_child", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("node_child", 2, len(args))
		}
		node, oerr := nodeArg("node_child", args[0])
		if oerr != nil {
			return oerr
		}
		field, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("node_child: field must be a string, got %s", args[1].Type())
		}
		child := node.ChildByFieldName(field.Value())
		if child == nil {
			return object.Nil
		}
		return proxyOf("node_child", child)
	})
}

// query(pattern, node) runs a tree-sitter query under node and returns one
// map per match from capture name to node.
func makeQueryFn(p *parsed) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("query", 2, len(args))
		}
		pattern, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("query: pattern must be a string, got %s", args[0].Type())
		}
		node, oerr := nodeArg("query", args[1])
		if oerr != nil {
			return oerr
		}
		src, ok := p.sourceOf(node)
		if !ok {
			return object.Errorf("query: node does not belong to a parsed tree")
		}

		lang, _ := syntax.ParserForLanguage("rust")
		q, err := sitter.NewQuery([]byte(pattern.Value()), lang)
		if err != nil {
			return object.Errorf("query: %v", err)
		}
		defer q.Close()
		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, node)

		matches := []object.Object{}
		for {
			m, ok := cursor.NextMatch()
			if !ok {
				break
			}
			m = cursor.FilterPredicates(m, src)
			captures := make(map[string]object.Object, len(m.Captures))
			for _, c := range m.Captures {
				name := q.CaptureNameForId(c.Index)
				captures[name] = proxyOf("query", c.Node)
			}
			matches = append(matches, object.NewMap(captures))
		}
		return object.NewList(matches)
	})
}

// hash(text) returns the sha256 hex digest of text.
func makeHashFn() *object.Builtin {
	return object.NewBuiltin("hash", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("hash", 1, len(args))
		}
		s, err := toString(args[0])
		if err != nil {
			return object.Errorf("hash: %v", err)
		}
		return object.NewString(fmt.Sprintf("%x", sha256.Sum256([]byte(s))))
	})
}

// logObject backs the log global.
type logObject struct {
	logger *zap.Logger
}

func (l *logObject) Info(msg string)  { l.logger.Info(msg) }
func (l *logObject) Warn(msg string)  { l.logger.Warn(msg) }
func (l *logObject) Error(msg string) { l.logger.Error(msg) }
