package fakeddb

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Minimal interpreter for the expression dialect the SDK expression
// builder emits: comparison and function conditions joined by AND/OR/NOT,
// and update expressions made of SET/REMOVE/ADD/DELETE clauses. All
// attribute names and values arrive as placeholder tokens (#n / :v) bound
// through the accompanying maps.

type exprEnv struct {
	item   Item
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e exprEnv) resolveName(tok string) (string, error) {
	name, ok := e.names[tok]
	if !ok {
		return "", fmt.Errorf("unbound name placeholder %q", tok)
	}
	return name, nil
}

func (e exprEnv) resolveValue(tok string) (types.AttributeValue, error) {
	v, ok := e.values[tok]
	if !ok {
		return nil, fmt.Errorf("unbound value placeholder %q", tok)
	}
	return v, nil
}

// operand resolves a token to a value and, for attribute references,
// whether the attribute exists on the item.
func (e exprEnv) operand(tok string) (types.AttributeValue, bool, error) {
	switch {
	case strings.HasPrefix(tok, "#"):
		name, err := e.resolveName(tok)
		if err != nil {
			return nil, false, err
		}
		v, ok := e.item[name]
		return v, ok, nil
	case strings.HasPrefix(tok, ":"):
		v, err := e.resolveValue(tok)
		return v, true, err
	default:
		return nil, false, fmt.Errorf("unexpected operand %q", tok)
	}
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')' || c == ',':
			toks = append(toks, string(c))
			i++
		case c == '=':
			toks = append(toks, "=")
			i++
		case c == '<':
			if i+1 < len(s) && (s[i+1] == '=' || s[i+1] == '>') {
				toks = append(toks, s[i:i+2])
				i += 2
			} else {
				toks = append(toks, "<")
				i++
			}
		case c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, ">=")
				i += 2
			} else {
				toks = append(toks, ">")
				i++
			}
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n\r(),=<>", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

type condParser struct {
	toks []string
	pos  int
	env  exprEnv
}

// evalCondition evaluates a condition, key-condition or filter expression
// against the environment's item. A nil item behaves as an item with no
// attributes.
func evalCondition(expr string, env exprEnv) (bool, error) {
	p := &condParser{toks: tokenize(expr), env: env}
	ok, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("evaluating %q: trailing tokens %v", expr, p.toks[p.pos:])
	}
	return ok, nil
}

func (p *condParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *condParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peek() == "OR" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.peek() == "AND" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) parseNot() (bool, error) {
	if p.peek() == "NOT" {
		p.next()
		v, err := p.parseNot()
		return !v, err
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (bool, error) {
	tok := p.peek()
	switch tok {
	case "(":
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	case "attribute_exists", "attribute_not_exists":
		p.next()
		if err := p.expect("("); err != nil {
			return false, err
		}
		name, err := p.env.resolveName(p.next())
		if err != nil {
			return false, err
		}
		if err := p.expect(")"); err != nil {
			return false, err
		}
		_, exists := p.env.item[name]
		if tok == "attribute_exists" {
			return exists, nil
		}
		return !exists, nil
	case "begins_with", "contains":
		p.next()
		if err := p.expect("("); err != nil {
			return false, err
		}
		subject, exists, err := p.env.operand(p.next())
		if err != nil {
			return false, err
		}
		if err := p.expect(","); err != nil {
			return false, err
		}
		arg, _, err := p.env.operand(p.next())
		if err != nil {
			return false, err
		}
		if err := p.expect(")"); err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
		if tok == "begins_with" {
			return evalBeginsWith(subject, arg)
		}
		return evalContains(subject, arg)
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (bool, error) {
	left, leftExists, err := p.env.operand(p.next())
	if err != nil {
		return false, err
	}
	op := p.next()
	if op == "BETWEEN" {
		lo, _, err := p.env.operand(p.next())
		if err != nil {
			return false, err
		}
		if err := p.expect("AND"); err != nil {
			return false, err
		}
		hi, _, err := p.env.operand(p.next())
		if err != nil {
			return false, err
		}
		if !leftExists {
			return false, nil
		}
		a, aerr := compareAV(left, lo)
		b, berr := compareAV(left, hi)
		if aerr != nil || berr != nil {
			return false, nil
		}
		return a >= 0 && b <= 0, nil
	}

	right, rightExists, err := p.env.operand(p.next())
	if err != nil {
		return false, err
	}
	if !leftExists || !rightExists {
		return false, nil
	}
	switch op {
	case "=":
		return avEqual(left, right), nil
	case "<>":
		return !avEqual(left, right), nil
	case "<", "<=", ">", ">=":
		c, err := compareAV(left, right)
		if err != nil {
			return false, nil
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	default:
		return false, fmt.Errorf("unsupported comparison operator %q", op)
	}
}

func evalBeginsWith(subject, prefix types.AttributeValue) (bool, error) {
	s, ok := subject.(*types.AttributeValueMemberS)
	p, ok2 := prefix.(*types.AttributeValueMemberS)
	if !ok || !ok2 {
		return false, nil
	}
	return strings.HasPrefix(s.Value, p.Value), nil
}

func evalContains(subject, member types.AttributeValue) (bool, error) {
	switch s := subject.(type) {
	case *types.AttributeValueMemberS:
		if m, ok := member.(*types.AttributeValueMemberS); ok {
			return strings.Contains(s.Value, m.Value), nil
		}
	case *types.AttributeValueMemberSS:
		if m, ok := member.(*types.AttributeValueMemberS); ok {
			return slices.Contains(s.Value, m.Value), nil
		}
	case *types.AttributeValueMemberNS:
		if m, ok := member.(*types.AttributeValueMemberN); ok {
			return slices.Contains(s.Value, m.Value), nil
		}
	}
	return false, nil
}

// applyUpdate interprets an update expression (SET/REMOVE/ADD/DELETE
// clauses) against a copy of the item and returns the result.
func applyUpdate(item Item, expr string, env exprEnv) (Item, error) {
	next := make(Item, len(item)+4)
	for k, v := range item {
		next[k] = v
	}
	toks := tokenize(expr)
	i := 0
	clause := ""
	for i < len(toks) {
		switch toks[i] {
		case "SET", "REMOVE", "ADD", "DELETE":
			clause = toks[i]
			i++
			continue
		case ",":
			i++
			continue
		}
		name, err := env.resolveName(toks[i])
		if err != nil {
			return nil, err
		}
		i++
		switch clause {
		case "SET":
			if i >= len(toks) || toks[i] != "=" {
				return nil, fmt.Errorf("malformed SET clause in %q", expr)
			}
			i++
			v, err := env.resolveValue(toks[i])
			if err != nil {
				return nil, err
			}
			i++
			next[name] = v
		case "REMOVE":
			delete(next, name)
		case "ADD":
			delta, err := env.resolveValue(toks[i])
			if err != nil {
				return nil, err
			}
			i++
			sum, err := avAdd(next[name], delta)
			if err != nil {
				return nil, err
			}
			next[name] = sum
		case "DELETE":
			subset, err := env.resolveValue(toks[i])
			if err != nil {
				return nil, err
			}
			i++
			rest, err := avSubtract(next[name], subset)
			if err != nil {
				return nil, err
			}
			if rest == nil {
				delete(next, name)
			} else {
				next[name] = rest
			}
		default:
			return nil, fmt.Errorf("token %q outside any update clause in %q", name, expr)
		}
	}
	return next, nil
}

func avEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		af, aerr := strconv.ParseFloat(av.Value, 64)
		bf, berr := strconv.ParseFloat(bv.Value, 64)
		if aerr != nil || berr != nil {
			return av.Value == bv.Value
		}
		return af == bf
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		return ok && string(av.Value) == string(bv.Value)
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberSS:
		bv, ok := b.(*types.AttributeValueMemberSS)
		return ok && setEqual(av.Value, bv.Value)
	case *types.AttributeValueMemberNS:
		bv, ok := b.(*types.AttributeValueMemberNS)
		return ok && setEqual(av.Value, bv.Value)
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	}
	return false
}

func setEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

func compareAV(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		if bv, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(av.Value, bv.Value), nil
		}
	case *types.AttributeValueMemberN:
		if bv, ok := b.(*types.AttributeValueMemberN); ok {
			af, aerr := strconv.ParseFloat(av.Value, 64)
			bf, berr := strconv.ParseFloat(bv.Value, 64)
			if aerr != nil || berr != nil {
				return 0, fmt.Errorf("non-numeric N values")
			}
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	case *types.AttributeValueMemberB:
		if bv, ok := b.(*types.AttributeValueMemberB); ok {
			return strings.Compare(string(av.Value), string(bv.Value)), nil
		}
	}
	return 0, fmt.Errorf("incomparable attribute values %T and %T", a, b)
}

func avAdd(existing, delta types.AttributeValue) (types.AttributeValue, error) {
	switch d := delta.(type) {
	case *types.AttributeValueMemberN:
		if existing == nil {
			return d, nil
		}
		e, ok := existing.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("ADD number to %T", existing)
		}
		ef, err := strconv.ParseFloat(e.Value, 64)
		if err != nil {
			return nil, err
		}
		df, err := strconv.ParseFloat(d.Value, 64)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(ef+df, 'g', -1, 64)}, nil
	case *types.AttributeValueMemberSS:
		if existing == nil {
			return &types.AttributeValueMemberSS{Value: sortedSet(d.Value)}, nil
		}
		e, ok := existing.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("ADD string set to %T", existing)
		}
		return &types.AttributeValueMemberSS{Value: sortedSet(append(slices.Clone(e.Value), d.Value...))}, nil
	case *types.AttributeValueMemberNS:
		if existing == nil {
			return &types.AttributeValueMemberNS{Value: sortedSet(d.Value)}, nil
		}
		e, ok := existing.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("ADD number set to %T", existing)
		}
		return &types.AttributeValueMemberNS{Value: sortedSet(append(slices.Clone(e.Value), d.Value...))}, nil
	default:
		return nil, fmt.Errorf("ADD supports numbers and sets, got %T", delta)
	}
}

func avSubtract(existing, subset types.AttributeValue) (types.AttributeValue, error) {
	if existing == nil {
		return nil, nil
	}
	remove := map[string]bool{}
	switch s := subset.(type) {
	case *types.AttributeValueMemberSS:
		for _, v := range s.Value {
			remove[v] = true
		}
		e, ok := existing.(*types.AttributeValueMemberSS)
		if !ok {
			return nil, fmt.Errorf("DELETE string set from %T", existing)
		}
		var rest []string
		for _, v := range e.Value {
			if !remove[v] {
				rest = append(rest, v)
			}
		}
		if len(rest) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberSS{Value: rest}, nil
	case *types.AttributeValueMemberNS:
		for _, v := range s.Value {
			remove[v] = true
		}
		e, ok := existing.(*types.AttributeValueMemberNS)
		if !ok {
			return nil, fmt.Errorf("DELETE number set from %T", existing)
		}
		var rest []string
		for _, v := range e.Value {
			if !remove[v] {
				rest = append(rest, v)
			}
		}
		if len(rest) == 0 {
			return nil, nil
		}
		return &types.AttributeValueMemberNS{Value: rest}, nil
	default:
		return nil, fmt.Errorf("DELETE supports sets only, got %T", subset)
	}
}

func sortedSet(vals []string) []string {
	slices.Sort(vals)
	return slices.Compact(vals)
}
