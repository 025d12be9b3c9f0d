package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/understory/internal/syntax"
)

// macroRule is one `(pattern) => { template }` arm of a macro_rules!
// definition, delimiters stripped.
type macroRule struct {
	Pattern  string
	Template string
}

var errRepetition = errors.New("repetitions are not supported")

// parseMacroRules returns the arms of the first macro_rules! in def.
func parseMacroRules(ctx context.Context, def string) ([]macroRule, error) {
	lang, _ := syntax.ParserForLanguage("rust")
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	src := []byte(def)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n == nil || n.Type() != "macro_definition" {
			continue
		}
		var rules []macroRule
		for j := 0; j < int(n.NamedChildCount()); j++ {
			arm := n.NamedChild(j)
			if arm == nil || arm.Type() != "macro_rule" {
				continue
			}
			left, right := arm.ChildByFieldName("left"), arm.ChildByFieldName("right")
			if left == nil || right == nil {
				continue
			}
			rules = append(rules, macroRule{
				Pattern:  stripDelims(left.Content(src)),
				Template: stripDelims(right.Content(src)),
			})
		}
		return rules, nil
	}
	return nil, fmt.Errorf("no macro_rules! definition")
}

func stripDelims(s string) string {
	if len(s) >= 2 {
		return s[1 : len(s)-1]
	}
	return s
}

// piece is either a literal (whitespace removed) or a metavariable.
type piece struct {
	lit  string
	name string
}

func splitPattern(p string) ([]piece, error) {
	var pieces []piece
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			pieces = append(pieces, piece{lit: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '$' && i+1 < len(p) {
			if p[i+1] == '(' {
				return nil, errRepetition
			}
			name, n := ident(p[i+1:])
			if n > 0 {
				i += n
				// Skip the fragment specifier.
				j := i + 1
				for j < len(p) && isSpace(p[j]) {
					j++
				}
				if j < len(p) && p[j] == ':' {
					j++
					for j < len(p) && isSpace(p[j]) {
						j++
					}
					_, m := ident(p[j:])
					i = j + m - 1
				}
				flush()
				pieces = append(pieces, piece{name: name})
				continue
			}
		}
		if !isSpace(c) {
			lit.WriteByte(c)
		}
	}
	flush()
	return pieces, nil
}

// matchPattern binds the metavariables of pattern against body. A
// metavariable captures everything up to the next literal at bracket depth
// zero, or the rest of the body.
func matchPattern(pattern, body string) (map[string]string, bool, error) {
	pieces, err := splitPattern(pattern)
	if err != nil {
		return nil, false, err
	}
	bound := make(map[string]string)
	pos := 0
	for i, pc := range pieces {
		if pc.name == "" {
			end, ok := matchLit(body, pos, pc.lit)
			if !ok {
				return nil, false, nil
			}
			pos = end
			continue
		}
		end := len(body)
		if i+1 < len(pieces) {
			next := pieces[i+1]
			if next.name != "" {
				return nil, false, nil
			}
			end = scanTo(body, pos, next.lit)
			if end < 0 {
				return nil, false, nil
			}
		}
		v := strings.TrimSpace(body[pos:end])
		if v == "" {
			return nil, false, nil
		}
		bound[pc.name] = v
		pos = end
	}
	if strings.TrimSpace(body[pos:]) != "" {
		return nil, false, nil
	}
	return bound, true, nil
}

// matchLit matches lit at pos ignoring whitespace and returns the offset
// after it.
func matchLit(body string, pos int, lit string) (int, bool) {
	for k := 0; k < len(lit); k++ {
		for pos < len(body) && isSpace(body[pos]) {
			pos++
		}
		if pos >= len(body) || body[pos] != lit[k] {
			return 0, false
		}
		pos++
	}
	return pos, true
}

// scanTo finds the first offset after pos at bracket depth zero where lit
// matches, skipping string literals.
func scanTo(body string, pos int, lit string) int {
	depth := 0
	for j := pos; j < len(body); j++ {
		switch c := body[j]; c {
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			if depth > 0 {
				depth--
				continue
			}
		case '"':
			for j++; j < len(body) && body[j] != '"'; j++ {
				if body[j] == '\\' {
					j++
				}
			}
			continue
		}
		if depth == 0 && j > pos {
			if _, ok := matchLit(body, j, lit); ok {
				return j
			}
		}
	}
	return -1
}

// substitute replaces each bound $name in template.
func substitute(template string, bound map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(template); i++ {
		if template[i] == '$' {
			name, n := ident(template[i+1:])
			if v, ok := bound[name]; ok && n > 0 {
				b.WriteString(v)
				i += n
				continue
			}
		}
		b.WriteByte(template[i])
	}
	return strings.TrimSpace(b.String())
}

func ident(s string) (string, int) {
	n := 0
	for n < len(s) && (s[n] == '_' || s[n] >= 'a' && s[n] <= 'z' || s[n] >= 'A' && s[n] <= 'Z' || n > 0 && s[n] >= '0' && s[n] <= '9') {
		n++
	}
	return s[:n], n
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// makeMacroRulesFn creates "macro_rules".
//
// macro_rules(definition) → [{pattern, template}]
func makeMacroRulesFn() *object.Builtin {
	return object.NewBuiltin("macro_rules", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("macro_rules", 1, len(args))
		}
		def, err := toString(args[0])
		if err != nil {
			return object.Errorf("macro_rules: %v", err)
		}
		rules, err := parseMacroRules(ctx, def)
		if err != nil {
			return object.Errorf("macro_rules: %v", err)
		}
		items := make([]object.Object, 0, len(rules))
		for _, r := range rules {
			items = append(items, object.NewMap(map[string]object.Object{
				"pattern":  object.NewString(r.Pattern),
				"template": object.NewString(r.Template),
			}))
		}
		return object.NewList(items)
	})
}

// makeMatchRuleFn creates "match_rule".
//
// match_rule(rule, body) → {name: text} or nil
func makeMatchRuleFn() *object.Builtin {
	return object.NewBuiltin("match_rule", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("match_rule", 2, len(args))
		}
		rule, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("match_rule: %v", err)
		}
		body, err := toString(args[1])
		if err != nil {
			return object.Errorf("match_rule: %v", err)
		}
		bound, ok, err := matchPattern(getString(rule, "pattern"), body)
		if err != nil {
			return object.Errorf("match_rule: %v", err)
		}
		if !ok {
			return object.Nil
		}
		m := make(map[string]object.Object, len(bound))
		for k, v := range bound {
			m[k] = object.NewString(v)
		}
		return object.NewMap(m)
	})
}

// makeSubstituteFn creates "substitute".
//
// substitute(template, bindings) → string
func makeSubstituteFn() *object.Builtin {
	return object.NewBuiltin("substitute", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("substitute", 2, len(args))
		}
		tmpl, err := toString(args[0])
		if err != nil {
			return object.Errorf("substitute: %v", err)
		}
		m, err := extractMap(args[1])
		if err != nil {
			return object.Errorf("substitute: %v", err)
		}
		bound := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(*object.String); ok {
				bound[k] = s.Value()
			}
		}
		return object.NewString(substitute(tmpl, bound))
	})
}
