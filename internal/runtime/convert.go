package runtime

import (
	"fmt"

	"github.com/risor-io/risor/object"

	"github.com/jward/understory/internal/attrs"
)

// decodeResult converts a script's final value into an Expansion.
func decodeResult(obj object.Object) (Expansion, error) {
	switch v := obj.(type) {
	case *object.String:
		return Expansion{Output: v.Value()}, nil
	case *object.Map:
		m := v.Value()
		if msg := getString(m, "error"); msg != "" {
			return Expansion{}, fmt.Errorf("%s", msg)
		}
		out, ok := m["output"]
		if !ok {
			return Expansion{}, fmt.Errorf("result map has no output")
		}
		s, err := toString(out)
		if err != nil {
			return Expansion{}, fmt.Errorf("output: %w", err)
		}
		exp := Expansion{Output: s}
		if rs, ok := m["ranges"]; ok {
			exp.Ranges, err = decodeRanges(rs)
			if err != nil {
				return Expansion{}, err
			}
		}
		return exp, nil
	case nil:
		return Expansion{}, fmt.Errorf("script produced no result")
	default:
		return Expansion{}, fmt.Errorf("script result must be a string or map, got %s", obj.Type())
	}
}

func decodeRanges(obj object.Object) (attrs.RangeMap, error) {
	list, ok := obj.(*object.List)
	if !ok {
		return attrs.RangeMap{}, fmt.Errorf("ranges must be a list, got %s", obj.Type())
	}
	var rm attrs.RangeMap
	for i, item := range list.Value() {
		m, err := extractMap(item)
		if err != nil {
			return attrs.RangeMap{}, fmt.Errorf("ranges[%d]: %w", i, err)
		}
		e := attrs.RangeEntry{
			SrcStart: getInt(m, "src_start"),
			SrcEnd:   getInt(m, "src_end"),
			OutStart: getInt(m, "out_start"),
			OutEnd:   getInt(m, "out_end"),
		}
		if e.SrcEnd < e.SrcStart || e.OutEnd < e.OutStart {
			return attrs.RangeMap{}, fmt.Errorf("ranges[%d]: inverted range", i)
		}
		rm.Entries = append(rm.Entries, e)
	}
	return rm.Normalize(), nil
}

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(*object.String); ok {
		return s.Value()
	}
	return ""
}

func getInt(m map[string]object.Object, key string) int {
	v, ok := m[key]
	if !ok {
		return 0
	}
	if i, ok := v.(*object.Int); ok {
		return int(i.Value())
	}
	if f, ok := v.(*object.Float); ok {
		return int(f.Value())
	}
	return 0
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}
