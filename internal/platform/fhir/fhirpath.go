package fhir

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expression is a compiled FHIRPath expression. The gateway compiles the
// patient reference path table once at startup and evaluates the compiled
// forms against every inspected resource body.
//
// The engine implements the subset of FHIRPath needed for reference
// extraction: path navigation with implicit collection flattening, indexers,
// boolean logic, comparisons, unions and a small function library (where,
// select, exists, empty, not, count, first, last, distinct, ofType, is,
// startsWith, contains).
type Expression struct {
	src  string
	root *astNode
}

// Compile parses a FHIRPath expression into its evaluable form.
func Compile(expression string) (*Expression, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize %q: %w", expression, err)
	}

	p := &parser{tokens: tokens}
	root, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse %q: %w", expression, err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: parse %q: unexpected token %q at position %d", expression, tok.value, tok.pos)
	}
	return &Expression{src: expression, root: root}, nil
}

// MustCompile is Compile for expressions known at build time. It panics on
// parse errors and is intended for tests and static tables.
func MustCompile(expression string) *Expression {
	e, err := Compile(expression)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expression) String() string { return e.src }

// Evaluate runs the expression against a resource decoded into
// map[string]interface{} and returns the resulting collection. An empty
// collection means the path resolved to nothing.
func (e *Expression) Evaluate(resource map[string]interface{}) ([]interface{}, error) {
	if resource == nil {
		return []interface{}{}, nil
	}
	ctx := &evalContext{resource: resource}
	result, err := ctx.eval(e.root, []interface{}{resource})
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval %q: %w", e.src, err)
	}
	return result, nil
}

// EvaluateStrings evaluates the expression and keeps only string results.
// Reference extraction paths end in .reference, so everything the gateway
// cares about surfaces as a string.
func (e *Expression) EvaluateStrings(resource map[string]interface{}) ([]string, error) {
	result, err := e.Evaluate(resource)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range result {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ============================================================================
// Token types
// ============================================================================

type tokenKind int

const (
	tkIdent  tokenKind = iota // identifier or keyword
	tkNumber                  // integer or decimal
	tkString                  // 'single-quoted'
	tkDot                     // .
	tkLParen                  // (
	tkRParen                  // )
	tkLBrack                  // [
	tkRBrack                  // ]
	tkComma                   // ,
	tkEq                      // =
	tkNe                      // !=
	tkLt                      // <
	tkGt                      // >
	tkLe                      // <=
	tkGe                      // >=
	tkPipe                    // |
	tkEOF                     // end-of-input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// ============================================================================
// Lexer / Tokenizer
// ============================================================================

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	for i < n {
		ch := input[i]

		// skip whitespace
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '\'':
			// string literal
			i++ // skip opening quote
			var sb strings.Builder
			for i < n && input[i] != '\'' {
				if input[i] == '\\' && i+1 < n {
					i++
					switch input[i] {
					case '\\':
						sb.WriteByte('\\')
					case '\'':
						sb.WriteByte('\'')
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(input[i])
					}
				} else {
					sb.WriteByte(input[i])
				}
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string at position %d", start)
			}
			i++ // skip closing quote
			tokens = append(tokens, token{tkString, sb.String(), start})
		case ch >= '0' && ch <= '9':
			j := i
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			if j < n && input[j] == '.' {
				// Decimal only when a digit follows; otherwise the dot is
				// navigation after a number-valued path step.
				if j+1 < n && input[j+1] >= '0' && input[j+1] <= '9' {
					j++ // skip .
					for j < n && input[j] >= '0' && input[j] <= '9' {
						j++
					}
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '_' || unicode.IsLetter(rune(ch)):
			j := i
			for j < n && (input[j] == '_' || unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j]))) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

// ============================================================================
// AST node types
// ============================================================================

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, bool
	ndPath                     // identifier (field name or resource type)
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndFunction                 // fn(args...), evaluated against the focus
	ndCompare                  // a op b  (=, !=, <, >, <=, >=)
	ndAnd                      // a and b
	ndOr                       // a or b
	ndImplies                  // a implies b
	ndUnion                    // a | b
)

type astNode struct {
	kind     nodeKind
	value    interface{} // literal value, identifier name, or operator string
	children []*astNode  // operands / arguments
}

// ============================================================================
// Parser — recursive descent
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//
//	implies            (1)
//	or                 (2)
//	and                (3)
//	|                  (4)
//	= != < > <= >=     (5)
//
// Postfix operators (., [], function call) bind tighter than all of these.
func infixInfo(t token) (prec int, kind nodeKind, op string, ok bool) {
	switch t.kind {
	case tkIdent:
		switch t.value {
		case "implies":
			return 1, ndImplies, t.value, true
		case "or":
			return 2, ndOr, t.value, true
		case "and":
			return 3, ndAnd, t.value, true
		}
	case tkPipe:
		return 4, ndUnion, "|", true
	case tkEq, tkNe, tkLt, tkGt, tkLe, tkGe:
		return 5, ndCompare, t.value, true
	}
	return 0, 0, "", false
}

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}

	for {
		prec, kind, op, ok := infixInfo(p.peek())
		if !ok || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &astNode{kind: kind, value: op, children: []*astNode{left, right}}
	}
}

// parsePostfix parses a primary expression followed by any chain of
// .field, .fn(args) and [index] operators.
func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch p.peek().kind {
		case tkDot:
			p.advance()
			name, err := p.expect(tkIdent)
			if err != nil {
				return nil, err
			}
			if p.peek().kind == tkLParen {
				fn, err := p.parseFunctionCall(name.value)
				if err != nil {
					return nil, err
				}
				node = &astNode{kind: ndDot, children: []*astNode{node, fn}}
			} else {
				field := &astNode{kind: ndPath, value: name.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, field}}
			}
		case tkLBrack:
			p.advance()
			idx, err := p.expect(tkNumber)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(idx.value)
			if err != nil {
				return nil, fmt.Errorf("invalid index %q at position %d", idx.value, idx.pos)
			}
			node = &astNode{kind: ndIndex, value: n, children: []*astNode{node}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (*astNode, error) {
	t := p.peek()

	switch t.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: t.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(t.value, ".") {
			f, err := strconv.ParseFloat(t.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q at position %d", t.value, t.pos)
			}
			return &astNode{kind: ndLiteral, value: f}, nil
		}
		n, err := strconv.Atoi(t.value)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.value, t.pos)
		}
		return &astNode{kind: ndLiteral, value: float64(n)}, nil

	case tkIdent:
		p.advance()
		switch t.value {
		case "true":
			return &astNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &astNode{kind: ndLiteral, value: false}, nil
		}
		if p.peek().kind == tkLParen {
			return p.parseFunctionCall(t.value)
		}
		return &astNode{kind: ndPath, value: t.value}, nil

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
	}
}

func (p *parser) parseFunctionCall(name string) (*astNode, error) {
	if _, err := p.expect(tkLParen); err != nil {
		return nil, err
	}
	fn := &astNode{kind: ndFunction, value: name}
	if p.peek().kind == tkRParen {
		p.advance()
		return fn, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		fn.children = append(fn.children, arg)
		switch p.peek().kind {
		case tkComma:
			p.advance()
		case tkRParen:
			p.advance()
			return fn, nil
		default:
			t := p.peek()
			return nil, fmt.Errorf("unexpected token %q at position %d", t.value, t.pos)
		}
	}
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	resource map[string]interface{}
}

// eval evaluates a node against the current focus collection and returns the
// resulting collection.
func (ec *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ec.evalPath(node.value.(string), input), nil

	case ndDot:
		left, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ec.eval(node.children[1], left)

	case ndIndex:
		coll, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idx := node.value.(int)
		if idx < 0 || idx >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ec.evalFunction(node, input)

	case ndCompare:
		return ec.evalCompare(node, input)

	case ndAnd, ndOr, ndImplies:
		return ec.evalLogic(node, input)

	case ndUnion:
		left, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		right, err := ec.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		return distinctCollection(append(left, right...)), nil

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

// evalPath resolves one path segment. A segment with an uppercase initial at
// the root position names a resource type: it keeps the focus when the
// resource under evaluation has that type and yields nothing otherwise.
func (ec *evalContext) evalPath(name string, input []interface{}) []interface{} {
	if isTypeName(name) {
		var out []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == name {
					out = append(out, m)
				}
			}
		}
		if out == nil {
			out = []interface{}{}
		}
		return out
	}
	return navigateField(input, name)
}

// navigateField walks one field deep into each item of the collection,
// flattening arrays along the way.
func navigateField(input []interface{}, name string) []interface{} {
	out := []interface{}{}
	for _, item := range input {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		v, ok := m[name]
		if !ok || v == nil {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			for _, el := range arr {
				if el != nil {
					out = append(out, el)
				}
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

func isTypeName(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

func (ec *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)
	args := node.children

	argCount := func(want int) error {
		if len(args) != want {
			return fmt.Errorf("%s() takes %d argument(s), got %d", name, want, len(args))
		}
		return nil
	}

	switch name {
	case "where":
		if err := argCount(1); err != nil {
			return nil, err
		}
		out := []interface{}{}
		for _, item := range input {
			res, err := ec.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionToBool(res) {
				out = append(out, item)
			}
		}
		return out, nil

	case "select":
		if err := argCount(1); err != nil {
			return nil, err
		}
		out := []interface{}{}
		for _, item := range input {
			res, err := ec.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			out = append(out, res...)
		}
		return out, nil

	case "exists":
		if len(args) == 0 {
			return []interface{}{len(input) > 0}, nil
		}
		if err := argCount(1); err != nil {
			return nil, err
		}
		for _, item := range input {
			res, err := ec.eval(args[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if collectionToBool(res) {
				return []interface{}{true}, nil
			}
		}
		return []interface{}{false}, nil

	case "empty":
		if err := argCount(0); err != nil {
			return nil, err
		}
		return []interface{}{len(input) == 0}, nil

	case "not":
		if err := argCount(0); err != nil {
			return nil, err
		}
		if len(input) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{!collectionToBool(input)}, nil

	case "count":
		if err := argCount(0); err != nil {
			return nil, err
		}
		return []interface{}{float64(len(input))}, nil

	case "first":
		if err := argCount(0); err != nil {
			return nil, err
		}
		if len(input) == 0 {
			return []interface{}{}, nil
		}
		return input[:1], nil

	case "last":
		if err := argCount(0); err != nil {
			return nil, err
		}
		if len(input) == 0 {
			return []interface{}{}, nil
		}
		return input[len(input)-1:], nil

	case "distinct":
		if err := argCount(0); err != nil {
			return nil, err
		}
		return distinctCollection(input), nil

	case "ofType":
		if err := argCount(1); err != nil {
			return nil, err
		}
		typeName, err := typeArgName(args[0])
		if err != nil {
			return nil, err
		}
		out := []interface{}{}
		for _, item := range input {
			if itemIsType(item, typeName) {
				out = append(out, item)
			}
		}
		return out, nil

	case "is":
		if err := argCount(1); err != nil {
			return nil, err
		}
		typeName, err := typeArgName(args[0])
		if err != nil {
			return nil, err
		}
		if len(input) != 1 {
			return []interface{}{}, nil
		}
		return []interface{}{itemIsType(input[0], typeName)}, nil

	case "startsWith":
		if err := argCount(1); err != nil {
			return nil, err
		}
		return ec.evalStringPredicate(args[0], input, strings.HasPrefix)

	case "contains":
		if err := argCount(1); err != nil {
			return nil, err
		}
		return ec.evalStringPredicate(args[0], input, strings.Contains)

	default:
		return nil, fmt.Errorf("unsupported function %q", name)
	}
}

func (ec *evalContext) evalStringPredicate(arg *astNode, input []interface{}, pred func(s, substr string) bool) ([]interface{}, error) {
	if len(input) == 0 {
		return []interface{}{}, nil
	}
	s, ok := input[0].(string)
	if !ok {
		return []interface{}{}, nil
	}
	res, err := ec.eval(arg, input)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return []interface{}{}, nil
	}
	substr, ok := res[0].(string)
	if !ok {
		return []interface{}{}, nil
	}
	return []interface{}{pred(s, substr)}, nil
}

// typeArgName extracts the type identifier from an ofType()/is() argument.
func typeArgName(arg *astNode) (string, error) {
	if arg.kind == ndPath {
		return arg.value.(string), nil
	}
	if arg.kind == ndLiteral {
		if s, ok := arg.value.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("type argument must be an identifier")
}

func itemIsType(item interface{}, typeName string) bool {
	if m, ok := item.(map[string]interface{}); ok {
		rt, _ := m["resourceType"].(string)
		return rt == typeName
	}
	switch typeName {
	case "string", "String":
		_, ok := item.(string)
		return ok
	case "decimal", "integer":
		_, ok := item.(float64)
		return ok
	case "boolean", "Boolean":
		_, ok := item.(bool)
		return ok
	}
	return false
}

func (ec *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	left, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	// Singleton comparison semantics: an empty operand yields empty.
	if len(left) == 0 || len(right) == 0 {
		return []interface{}{}, nil
	}
	result, err := compareValues(node.value.(string), left[0], right[0])
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

func compareValues(op string, a, b interface{}) (bool, error) {
	if af, aok := a.(float64); aok {
		if bf, bok := b.(float64); bok {
			switch op {
			case "=":
				return af == bf, nil
			case "!=":
				return af != bf, nil
			case "<":
				return af < bf, nil
			case ">":
				return af > bf, nil
			case "<=":
				return af <= bf, nil
			case ">=":
				return af >= bf, nil
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch op {
			case "=":
				return as == bs, nil
			case "!=":
				return as != bs, nil
			case "<":
				return as < bs, nil
			case ">":
				return as > bs, nil
			case "<=":
				return as <= bs, nil
			case ">=":
				return as >= bs, nil
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch op {
			case "=":
				return ab == bb, nil
			case "!=":
				return ab != bb, nil
			}
		}
	}
	// Mixed types are never equal and never ordered.
	switch op {
	case "=":
		return false, nil
	case "!=":
		return true, nil
	}
	return false, fmt.Errorf("cannot compare %T and %T with %q", a, b, op)
}

func (ec *evalContext) evalLogic(node *astNode, input []interface{}) ([]interface{}, error) {
	left, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	lb, rb := collectionToBool(left), collectionToBool(right)
	switch node.kind {
	case ndAnd:
		return []interface{}{lb && rb}, nil
	case ndOr:
		return []interface{}{lb || rb}, nil
	default: // ndImplies
		return []interface{}{!lb || rb}, nil
	}
}

// collectionToBool applies the FHIRPath singleton-evaluation rules:
// empty collection → false, single boolean → that boolean, anything else →
// true (non-empty collection).
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		if b, ok := coll[0].(bool); ok {
			return b
		}
	}
	return true
}

func distinctCollection(coll []interface{}) []interface{} {
	out := []interface{}{}
	seen := make(map[string]struct{}, len(coll))
	for _, item := range coll {
		key := fmt.Sprintf("%T:%v", item, item)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
