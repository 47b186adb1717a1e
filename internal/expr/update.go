package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/keystone-db/keystonedb-sub001/internal/model"
)

// ActionKind is one update-expression action, per spec §4.8.
type ActionKind int

const (
	ActionSet ActionKind = iota
	ActionRemove
	ActionAdd
	ActionDelete
)

// Action is one parsed update-expression clause.
type Action struct {
	Kind ActionKind
	Path Path
	// Operand is the RHS: for SET, the literal/arithmetic result; for ADD,
	// the numeric or set increment; for DELETE, the set element(s) to
	// remove. Unused for REMOVE.
	Operand model.Value
}

// ParseUpdate parses a full update expression (one or more clauses
// introduced by SET/REMOVE/ADD/DELETE keywords) into an ordered action list,
// resolving :placeholder/#alias tokens against ctx.
func ParseUpdate(src string, ctx Context) ([]Action, error) {
	toks := lex(src)
	p := &parser{toks: toks, ctx: ctx}

	var actions []Action
	for p.peek().kind != tokEOF {
		kwTok := p.peek()
		if kwTok.kind != tokIdent {
			return nil, fmt.Errorf("expr: expected SET/REMOVE/ADD/DELETE near %q", kwTok.text)
		}
		kw := strings.ToUpper(kwTok.text)
		p.next()
		switch kw {
		case "SET":
			for {
				act, err := p.parseSetClause()
				if err != nil {
					return nil, err
				}
				actions = append(actions, act)
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		case "REMOVE":
			for {
				path, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				actions = append(actions, Action{Kind: ActionRemove, Path: path})
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		case "ADD":
			for {
				path, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				val, err := p.parseOperand()
				if err != nil {
					return nil, err
				}
				actions = append(actions, Action{Kind: ActionAdd, Path: path, Operand: val})
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		case "DELETE":
			for {
				path, err := p.parsePath()
				if err != nil {
					return nil, err
				}
				val, err := p.parseOperand()
				if err != nil {
					return nil, err
				}
				actions = append(actions, Action{Kind: ActionDelete, Path: path, Operand: val})
				if p.peek().kind == tokComma {
					p.next()
					continue
				}
				break
			}
		default:
			return nil, fmt.Errorf("expr: unknown update clause keyword %q", kwTok.text)
		}
	}
	return actions, nil
}

// parseSetClause parses "path = expr" where expr is a literal, a path, or
// "a + b" / "a - b" arithmetic over numbers, per spec §4.8.
func (p *parser) parseSetClause() (Action, error) {
	path, err := p.parsePath()
	if err != nil {
		return Action{}, err
	}
	if _, err := p.expect(tokOp); err != nil { // consumes "="
		return Action{}, err
	}
	val, err := p.parseSetExpr()
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionSet, Path: path, Operand: val}, nil
}

// parseSetExpr parses the RHS of a SET clause: a literal, an attribute path
// reference, or "a + b" / "a - b" arithmetic over numbers. Since Action
// carries a single Value operand, unresolved paths and pending arithmetic
// are encoded as internal sentinel-kind Values that Apply resolves against
// the concrete item at apply time.
func (p *parser) parseSetExpr() (model.Value, error) {
	first, firstIsPath, firstPath, err := p.parseSetOperand()
	if err != nil {
		return model.Value{}, err
	}
	if p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		sign := 1
		if p.peek().text == "-" {
			sign = -1
		}
		p.next()
		second, secondIsPath, secondPath, err := p.parseSetOperand()
		if err != nil {
			return model.Value{}, err
		}
		return model.Value{Kind: arithSentinelKind, Str: "arith", Map: map[string]model.Value{
			"sign":          model.Number(strconv.Itoa(sign)),
			"left_is_path":  model.Bool(firstIsPath),
			"left_path":     pathValue(firstPath),
			"left_lit":      first,
			"right_is_path": model.Bool(secondIsPath),
			"right_path":    pathValue(secondPath),
			"right_lit":     second,
		}}, nil
	}
	if firstIsPath {
		return model.Value{Kind: pathRefKind, Map: map[string]model.Value{"path": pathValue(firstPath)}}, nil
	}
	return first, nil
}

// arithSentinelKind / pathRefKind are internal marker kinds (not part of
// model.Value's public kind set) used only transiently inside a parsed
// Action.Operand until Apply resolves them against a concrete item; they
// never reach storage.
const (
	arithSentinelKind model.ValueKind = 100
	pathRefKind       model.ValueKind = 101
)

func pathValue(p Path) model.Value {
	lst := make([]model.Value, len(p))
	for i, seg := range p {
		lst[i] = model.String(seg)
	}
	return model.List(lst)
}

func valuePath(v model.Value) Path {
	segs := make([]string, len(v.List))
	for i, e := range v.List {
		segs[i] = e.Str
	}
	return Path(segs)
}

func (p *parser) parseSetOperand() (val model.Value, isPath bool, path Path, err error) {
	t := p.peek()
	switch t.kind {
	case tokPlaceholder:
		p.next()
		v, err := p.ctx.resolveValue(t.text)
		return v, false, nil, err
	case tokNumber:
		p.next()
		return model.Number(t.text), false, nil, nil
	case tokString:
		p.next()
		return model.String(t.text), false, nil, nil
	case tokIdent, tokAlias:
		pth, err := p.parsePath()
		if err != nil {
			return model.Value{}, false, nil, err
		}
		return model.Value{}, true, pth, nil
	default:
		return model.Value{}, false, nil, fmt.Errorf("expr: expected operand near %q", t.text)
	}
}

// Apply runs actions against item in order, producing the new item. SET
// arithmetic and path references are resolved against item's state as it
// stood before this Apply call began (spec gives no "see earlier actions'
// effect" semantics, so each action resolves the original item's values for
// its own operands, then writes its own result).
func Apply(item model.Item, actions []Action) (model.Item, error) {
	out := item.Clone()
	if out == nil {
		out = model.Item{}
	}
	for _, act := range actions {
		switch act.Kind {
		case ActionSet:
			resolved, err := resolveOperand(act.Operand, item)
			if err != nil {
				return nil, err
			}
			if err := act.Path.Set(out, resolved); err != nil {
				return nil, err
			}
		case ActionRemove:
			act.Path.Remove(out)
		case ActionAdd:
			if err := applyAdd(out, act.Path, act.Operand); err != nil {
				return nil, err
			}
		case ActionDelete:
			if err := applyDelete(out, act.Path, act.Operand); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func resolveOperand(v model.Value, item model.Item) (model.Value, error) {
	switch v.Kind {
	case pathRefKind:
		path := valuePath(v.Map["path"])
		resolved, ok := path.Get(item)
		if !ok {
			return model.Value{}, fmt.Errorf("expr: SET references missing attribute %v", path)
		}
		return resolved, nil
	case arithSentinelKind:
		left, err := resolveArithSide(v.Map["left_is_path"].Bool, v.Map["left_path"], v.Map["left_lit"], item)
		if err != nil {
			return model.Value{}, err
		}
		right, err := resolveArithSide(v.Map["right_is_path"].Bool, v.Map["right_path"], v.Map["right_lit"], item)
		if err != nil {
			return model.Value{}, err
		}
		sign, _ := strconv.Atoi(v.Map["sign"].Number)
		lf, err := strconv.ParseFloat(left.Number, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("expr: arithmetic operand %q is not numeric", left.Number)
		}
		rf, err := strconv.ParseFloat(right.Number, 64)
		if err != nil {
			return model.Value{}, fmt.Errorf("expr: arithmetic operand %q is not numeric", right.Number)
		}
		result := lf + float64(sign)*rf
		return model.Number(formatNumber(result)), nil
	default:
		return v, nil
	}
}

func resolveArithSide(isPath bool, pathVal, lit model.Value, item model.Item) (model.Value, error) {
	if !isPath {
		return lit, nil
	}
	path := valuePath(pathVal)
	v, ok := path.Get(item)
	if !ok {
		return model.Value{}, fmt.Errorf("expr: arithmetic references missing attribute %v", path)
	}
	return v, nil
}

func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	return s
}

// applyAdd implements the ADD action: numeric increment, or set union for a
// list treated as a set, per spec §4.8.
func applyAdd(item model.Item, path Path, operand model.Value) error {
	existing, ok := path.Get(item)
	if !ok {
		return path.Set(item, operand)
	}
	if existing.Kind == model.KindNumber && operand.Kind == model.KindNumber {
		ef, err := strconv.ParseFloat(existing.Number, 64)
		if err != nil {
			return err
		}
		of, err := strconv.ParseFloat(operand.Number, 64)
		if err != nil {
			return err
		}
		return path.Set(item, model.Number(formatNumber(ef+of)))
	}
	if existing.Kind == model.KindList && operand.Kind == model.KindList {
		merged := append([]model.Value(nil), existing.List...)
		for _, add := range operand.List {
			found := false
			for _, have := range merged {
				if have.Equal(add) {
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, add)
			}
		}
		return path.Set(item, model.List(merged))
	}
	return fmt.Errorf("expr: ADD requires matching Number or List(set) kinds")
}

// applyDelete implements the DELETE action: removes operand's elements from
// a set-valued attribute, per spec §4.8.
func applyDelete(item model.Item, path Path, operand model.Value) error {
	existing, ok := path.Get(item)
	if !ok {
		return nil
	}
	if existing.Kind != model.KindList || operand.Kind != model.KindList {
		return fmt.Errorf("expr: DELETE requires a List(set) attribute and operand")
	}
	var kept []model.Value
	for _, have := range existing.List {
		remove := false
		for _, rem := range operand.List {
			if have.Equal(rem) {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, have)
		}
	}
	return path.Set(item, model.List(kept))
}
