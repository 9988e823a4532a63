// Package query decomposes boolean search expressions into what a remote
// platform can run (an anchor) and what must be re-checked locally (a filter).
//
// Grammar: keywords, "quoted phrases", AND, OR, NOT and parentheses. Operators
// are case-insensitive; adjacent keywords are joined by AND. Nested groups are
// flattened to a single top-level operator, so mixed AND/OR nesting is an
// approximation rather than exact boolean precedence.
package query

import (
	"fmt"
	"strings"

	"lookout/internal/util"
)

// Operator joins the positive keywords of a decomposition.
type Operator string

const (
	And Operator = "AND"
	Or  Operator = "OR"
)

// DecompositionError reports an empty or unparseable expression.
type DecompositionError struct {
	Expr   string
	Reason string
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decompose query %q: %s", e.Expr, e.Reason)
}

// Decomposition is the flattened form of a query.
type Decomposition struct {
	Expr     string
	Positive []string // query order, case-insensitively unique
	Excluded []string
	Operator Operator
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokOpen
	tokClose
)

type token struct {
	kind  tokenKind
	text  string
	depth int // parenthesis depth the token sits at
}

func tokenize(expr string) ([]token, error) {
	var out []token
	depth := 0
	rs := []rune(expr)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == '(':
			out = append(out, token{kind: tokOpen, depth: depth})
			depth++
			i++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced ')' at offset %d", i)
			}
			out = append(out, token{kind: tokClose, depth: depth})
			i++
		case r == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated quote at offset %d", i)
			}
			phrase := util.NormalizeWhitespace(string(rs[i+1 : j]))
			if phrase == "" {
				return nil, fmt.Errorf("empty phrase at offset %d", i)
			}
			out = append(out, token{kind: tokWord, text: phrase, depth: depth})
			i = j + 1
		default:
			j := i
			for j < len(rs) && !strings.ContainsRune(" \t\n\r()\"", rs[j]) {
				j++
			}
			word := string(rs[i:j])
			t := token{kind: tokWord, text: word, depth: depth}
			switch strings.ToUpper(word) {
			case "AND":
				t.kind = tokAnd
			case "OR":
				t.kind = tokOr
			case "NOT":
				t.kind = tokNot
			}
			out = append(out, t)
			i = j
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced '(': %d group(s) left open", depth)
	}
	return out, nil
}

// validate checks operator placement. Binary operators need an operand on
// both sides; NOT needs one after it.
func validate(toks []token) error {
	operand := func(k tokenKind) bool { return k == tokWord || k == tokClose }
	for i, t := range toks {
		var prev, next *token
		if i > 0 {
			prev = &toks[i-1]
		}
		if i+1 < len(toks) {
			next = &toks[i+1]
		}
		switch t.kind {
		case tokAnd, tokOr:
			if prev == nil || !operand(prev.kind) {
				return fmt.Errorf("operator %s is missing a left operand", strings.ToUpper(t.text))
			}
			if next == nil || !(next.kind == tokWord || next.kind == tokOpen || next.kind == tokNot) {
				return fmt.Errorf("operator %s is missing a right operand", strings.ToUpper(t.text))
			}
		case tokNot:
			if next == nil || !(next.kind == tokWord || next.kind == tokOpen) {
				return fmt.Errorf("NOT must be followed by a keyword or group")
			}
		case tokOpen:
			if next != nil && next.kind == tokClose {
				return fmt.Errorf("empty group")
			}
		}
	}
	return nil
}

func topOperator(toks []token) Operator {
	var orTop, andTop, orAny bool
	for i, t := range toks {
		switch t.kind {
		case tokOr:
			orAny = true
			if t.depth == 0 {
				orTop = true
			}
		case tokAnd:
			if t.depth == 0 {
				andTop = true
			}
		case tokWord, tokOpen, tokNot:
			// adjacency without an operator is an implicit AND
			if i > 0 && t.depth == 0 {
				p := toks[i-1]
				if p.kind == tokWord || p.kind == tokClose {
					andTop = true
				}
			}
		}
	}
	switch {
	case orTop:
		return Or
	case andTop:
		return And
	case orAny:
		return Or
	default:
		return And
	}
}

// Decompose parses expr into positive keywords, exclusions and a top operator.
func Decompose(expr string) (Decomposition, error) {
	fail := func(reason string) (Decomposition, error) {
		return Decomposition{}, &DecompositionError{Expr: expr, Reason: reason}
	}
	if strings.TrimSpace(expr) == "" {
		return fail("empty expression")
	}
	toks, err := tokenize(expr)
	if err != nil {
		return fail(err.Error())
	}
	if err := validate(toks); err != nil {
		return fail(err.Error())
	}

	d := Decomposition{Expr: expr, Operator: topOperator(toks)}
	seenPos := map[string]bool{}
	seenExc := map[string]bool{}
	negatedDepth := -1 // depth of a NOT-ed group currently open, -1 when none
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.kind {
		case tokNot:
			next := toks[i+1]
			if next.kind == tokOpen {
				if negatedDepth < 0 {
					negatedDepth = next.depth
				}
				continue
			}
			key := strings.ToLower(next.text)
			if !seenExc[key] {
				seenExc[key] = true
				d.Excluded = append(d.Excluded, next.text)
			}
			i++
		case tokClose:
			if t.depth == negatedDepth {
				negatedDepth = -1
			}
		case tokWord:
			key := strings.ToLower(t.text)
			if negatedDepth >= 0 {
				if !seenExc[key] {
					seenExc[key] = true
					d.Excluded = append(d.Excluded, t.text)
				}
				continue
			}
			if !seenPos[key] {
				seenPos[key] = true
				d.Positive = append(d.Positive, t.text)
			}
		}
	}
	if len(d.Positive) == 0 {
		return fail("no positive keywords")
	}
	return d, nil
}

// Match reports whether text satisfies the decomposition: every positive
// keyword for AND, at least one for OR, and no excluded keyword. Matching is
// case-insensitive substring containment.
func (d Decomposition) Match(text string) bool {
	if util.ContainsAnyCaseInsensitive(text, d.Excluded) {
		return false
	}
	if d.Operator == Or {
		return util.ContainsAnyCaseInsensitive(text, d.Positive)
	}
	return util.ContainsAllCaseInsensitive(text, d.Positive)
}
