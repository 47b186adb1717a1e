// Package expr implements the condition and update expression evaluators of
// spec §4.8: a boolean predicate language over attribute paths for
// conditional writes, and an action list (SET/REMOVE/ADD/DELETE) for
// update expressions.
//
// Grounded on the teacher's k4.go, which has no expression language at all
// (its conditional API is "compare-and-swap the whole value"); this package
// is new code shaped after the condition/update evaluators common across the
// pack's key-value stores, kept dependency-free since the grammar is small
// and spec-exact rather than something an existing parser library targets.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// Context supplies the :placeholder and #alias bindings a condition or
// update expression resolves against.
type Context struct {
	Values map[string]model.Value
	Names  map[string]string
}

func (c Context) resolveValue(token string) (model.Value, error) {
	if c.Values == nil {
		return model.Value{}, fmt.Errorf("expr: no value bindings supplied for %q", token)
	}
	v, ok := c.Values[token]
	if !ok {
		return model.Value{}, fmt.Errorf("expr: unbound placeholder %q", token)
	}
	return v, nil
}

func (c Context) resolveName(token string) string {
	if c.Names == nil {
		return token
	}
	if n, ok := c.Names[token]; ok {
		return n
	}
	return token
}

// Path is a dotted attribute path, e.g. "profile.address.city", with each
// segment resolved through Context.Names when it's a #alias.
type Path []string

func ParsePath(raw string, ctx Context) Path {
	parts := strings.Split(raw, ".")
	out := make(Path, len(parts))
	for i, p := range parts {
		if strings.HasPrefix(p, "#") {
			out[i] = ctx.resolveName(p)
		} else {
			out[i] = p
		}
	}
	return out
}

// Get resolves a path against an item, returning ok=false if any segment is
// missing or the traversal hits a non-map value.
func (p Path) Get(item model.Item) (model.Value, bool) {
	if len(p) == 0 {
		return model.Value{}, false
	}
	v, ok := item[p[0]]
	if !ok {
		return model.Value{}, false
	}
	for _, seg := range p[1:] {
		if v.Kind != model.KindMap {
			return model.Value{}, false
		}
		next, ok := v.Map[seg]
		if !ok {
			return model.Value{}, false
		}
		v = next
	}
	return v, true
}

// Set writes value at path within item, creating intermediate maps as
// needed. Returns an error if an intermediate segment already holds a
// non-map value.
func (p Path) Set(item model.Item, value model.Value) error {
	if len(p) == 0 {
		return fmt.Errorf("expr: empty path")
	}
	if len(p) == 1 {
		item[p[0]] = value
		return nil
	}
	cur, ok := item[p[0]]
	if !ok || cur.Kind != model.KindMap {
		cur = model.Map(map[string]model.Value{})
	}
	if err := Path(p[1:]).Set(cur.Map, value); err != nil {
		return err
	}
	item[p[0]] = cur
	return nil
}

// Remove deletes the attribute at path, a no-op if any segment is missing.
func (p Path) Remove(item model.Item) {
	if len(p) == 0 {
		return
	}
	if len(p) == 1 {
		delete(item, p[0])
		return
	}
	cur, ok := item[p[0]]
	if !ok || cur.Kind != model.KindMap {
		return
	}
	Path(p[1:]).Remove(cur.Map)
}

// Op is a condition comparison/function operator.
type Op int

const (
	OpEqual Op = iota
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpBetween
	OpBeginsWith
	OpContains
	OpIn
	OpAttributeExists
	OpAttributeNotExists
	OpAnd
	OpOr
	OpNot
)

// Condition is a boolean expression tree. Leaf nodes carry an Op and
// operands; And/Or/Not combine child conditions.
type Condition struct {
	Op       Op
	Path     Path
	Values   []model.Value // operands for comparisons/between/in
	Children []Condition      // for And/Or/Not
}

// Eval evaluates c against item (nil item means "missing" — every path
// lookup fails, attribute_exists is false, attribute_not_exists is true),
// per spec §4.8.
func (c Condition) Eval(item model.Item) bool {
	switch c.Op {
	case OpAnd:
		for _, ch := range c.Children {
			if !ch.Eval(item) {
				return false
			}
		}
		return true
	case OpOr:
		for _, ch := range c.Children {
			if ch.Eval(item) {
				return true
			}
		}
		return false
	case OpNot:
		return !c.Children[0].Eval(item)
	case OpAttributeExists:
		if item == nil {
			return false
		}
		_, ok := c.Path.Get(item)
		return ok
	case OpAttributeNotExists:
		if item == nil {
			return true
		}
		_, ok := c.Path.Get(item)
		return !ok
	}

	if item == nil {
		return false
	}
	v, ok := c.Path.Get(item)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEqual:
		return len(c.Values) == 1 && v.Equal(c.Values[0])
	case OpLess:
		return compareValues(v, c.Values[0]) < 0
	case OpLessEqual:
		return compareValues(v, c.Values[0]) <= 0
	case OpGreater:
		return compareValues(v, c.Values[0]) > 0
	case OpGreaterEqual:
		return compareValues(v, c.Values[0]) >= 0
	case OpBetween:
		return compareValues(v, c.Values[0]) >= 0 && compareValues(v, c.Values[1]) <= 0
	case OpBeginsWith:
		return hasPrefix(v, c.Values[0])
	case OpContains:
		return containsValue(v, c.Values[0])
	case OpIn:
		for _, candidate := range c.Values {
			if v.Equal(candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// compareValues orders two values of the same kind; Number compares as
// decimal (parsed only for this comparison, never stored as a float),
// String/Binary compare bytewise, Timestamp numerically.
func compareValues(a, b model.Value) int {
	switch a.Kind {
	case model.KindNumber:
		af, _ := strconv.ParseFloat(a.Number, 64)
		bf, _ := strconv.ParseFloat(b.Number, 64)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case model.KindString:
		return strings.Compare(a.Str, b.Str)
	case model.KindBinary:
		n := len(a.Binary)
		if len(b.Binary) < n {
			n = len(b.Binary)
		}
		for i := 0; i < n; i++ {
			if a.Binary[i] != b.Binary[i] {
				return int(a.Binary[i]) - int(b.Binary[i])
			}
		}
		return len(a.Binary) - len(b.Binary)
	case model.KindTimestamp:
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func hasPrefix(v, prefix model.Value) bool {
	switch v.Kind {
	case model.KindString:
		return strings.HasPrefix(v.Str, prefix.Str)
	case model.KindBinary:
		return len(v.Binary) >= len(prefix.Binary) && compareValues(model.Binary(v.Binary[:len(prefix.Binary)]), prefix) == 0
	default:
		return false
	}
}

func containsValue(v, needle model.Value) bool {
	switch v.Kind {
	case model.KindString:
		return strings.Contains(v.Str, needle.Str)
	case model.KindList:
		for _, el := range v.List {
			if el.Equal(needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Size returns the spec's notion of an attribute's "size": string/binary
// byte length, or list/map element count.
func Size(v model.Value) int {
	switch v.Kind {
	case model.KindString:
		return len(v.Str)
	case model.KindBinary:
		return len(v.Binary)
	case model.KindList:
		return len(v.List)
	case model.KindMap:
		return len(v.Map)
	default:
		return 0
	}
}
