package runner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidExpression marks a trigger condition that failed to parse:
// unknown field, dangling operator, or malformed pattern. Parsing happens
// once at spec construction, never per evaluation.
var ErrInvalidExpression = errors.New("invalid trigger expression")

// Condition is a parsed trigger expression. The zero value always evaluates
// true, so a pipeline without a trigger runs on every ref.
type Condition struct {
	expr condExpr
	src  string
}

// String returns the original expression source.
func (c Condition) String() string { return c.src }

// Eval decides whether a run should proceed for the given ref. It is a pure
// function: same condition and ref always yield the same answer.
func (c Condition) Eval(ref RefMetadata) bool {
	if c.expr == nil {
		return true
	}
	return c.expr.eval(ref)
}

type condExpr interface {
	eval(ref RefMetadata) bool
}

// orExpr and andExpr evaluate left to right with short-circuiting.
type orExpr struct{ left, right condExpr }

func (e orExpr) eval(ref RefMetadata) bool { return e.left.eval(ref) || e.right.eval(ref) }

type andExpr struct{ left, right condExpr }

func (e andExpr) eval(ref RefMetadata) bool { return e.left.eval(ref) && e.right.eval(ref) }

type notExpr struct{ inner condExpr }

func (e notExpr) eval(ref RefMetadata) bool { return !e.inner.eval(ref) }

type branchIn struct{ branches []string }

func (e branchIn) eval(ref RefMetadata) bool {
	for _, b := range e.branches {
		if ref.Branch == b {
			return true
		}
	}
	return false
}

// fieldCmp compares the branch or type field against a literal.
type fieldCmp struct {
	field  string // "branch" or "type"
	value  string
	negate bool
}

func (e fieldCmp) eval(ref RefMetadata) bool {
	var got string
	switch e.field {
	case "branch":
		got = ref.Branch
	case "type":
		got = string(ref.Event)
	}
	if e.negate {
		return got != e.value
	}
	return got == e.value
}

type forkExpr struct{}

func (forkExpr) eval(ref RefMetadata) bool { return ref.Fork }

// tagMatch matches the tag against an anchored pattern. A ref without a tag
// never matches.
type tagMatch struct{ re *regexp.Regexp }

func (e tagMatch) eval(ref RefMetadata) bool {
	return ref.Tag != "" && e.re.MatchString(ref.Tag)
}

type tagPresent struct{ present bool }

func (e tagPresent) eval(ref RefMetadata) bool { return (ref.Tag != "") == e.present }

// ParseCondition compiles a trigger expression. Grammar, loosest binding
// first:
//
//	expr      = and { "OR" and }
//	and       = unary { "AND" unary }
//	unary     = "NOT" unary | "(" expr ")" | predicate
//	predicate = "fork"
//	          | "branch" ( "IN" "(" name {"," name} ")" | ("="|"!=") name )
//	          | "type" ("="|"!=") name
//	          | "tag" ( "=~" pattern | "present" | "blank" | ("="|"!=") name )
//
// Keywords are case-insensitive. Patterns are anchored at both ends.
// An empty expression yields the always-true Condition.
func ParseCondition(src string) (Condition, error) {
	if strings.TrimSpace(src) == "" {
		return Condition{src: src}, nil
	}
	p := &condParser{tokens: lexCondition(src)}
	expr, err := p.parseOr()
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %s", ErrInvalidExpression, err)
	}
	if !p.done() {
		return Condition{}, fmt.Errorf("%w: unexpected %q", ErrInvalidExpression, p.peek())
	}
	return Condition{expr: expr, src: src}, nil
}

// lexCondition splits the source into word and punctuation tokens. Words
// are runs of non-space characters excluding the punctuation set, which
// keeps branch names like "release/2.x" and patterns like ^v\d+ intact.
func lexCondition(src string) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}
	for _, r := range src {
		switch r {
		case ' ', '\t', '\n':
			flush()
		case '(', ')', ',':
			flush()
			tokens = append(tokens, string(r))
		default:
			word.WriteRune(r)
		}
	}
	flush()
	return tokens
}

type condParser struct {
	tokens []string
	pos    int
}

func (p *condParser) done() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *condParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

// keyword reports whether the next token equals the given keyword,
// case-insensitively, and consumes it if so.
func (p *condParser) keyword(kw string) bool {
	if strings.EqualFold(p.peek(), kw) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (condExpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condExpr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condExpr, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	if p.peek() == "(" {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return expr, nil
	}
	return p.parsePredicate()
}

func (p *condParser) parsePredicate() (condExpr, error) {
	field := p.next()
	switch strings.ToLower(field) {
	case "fork":
		return forkExpr{}, nil
	case "branch":
		if p.keyword("IN") {
			return p.parseBranchSet()
		}
		negate, err := p.parseCmpOp(field)
		if err != nil {
			return nil, err
		}
		value := p.next()
		if value == "" {
			return nil, fmt.Errorf("branch comparison missing value")
		}
		return fieldCmp{field: "branch", value: value, negate: negate}, nil
	case "type":
		negate, err := p.parseCmpOp(field)
		if err != nil {
			return nil, err
		}
		value := p.next()
		if value == "" {
			return nil, fmt.Errorf("type comparison missing value")
		}
		return fieldCmp{field: "type", value: value, negate: negate}, nil
	case "tag":
		return p.parseTagPredicate()
	case "":
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unknown field %q", field)
	}
}

func (p *condParser) parseCmpOp(field string) (negate bool, err error) {
	switch p.next() {
	case "=", "==":
		return false, nil
	case "!=":
		return true, nil
	default:
		return false, fmt.Errorf("expected = or != after %s", field)
	}
}

func (p *condParser) parseBranchSet() (condExpr, error) {
	if p.next() != "(" {
		return nil, fmt.Errorf("expected ( after IN")
	}
	var branches []string
	for {
		name := p.next()
		if name == "" || name == "(" || name == "," {
			return nil, fmt.Errorf("malformed branch set")
		}
		if name == ")" {
			break
		}
		branches = append(branches, name)
		switch p.peek() {
		case ",":
			p.next()
		case ")":
			p.next()
			if len(branches) == 0 {
				return nil, fmt.Errorf("empty branch set")
			}
			return branchIn{branches: branches}, nil
		default:
			return nil, fmt.Errorf("expected , or ) in branch set")
		}
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("empty branch set")
	}
	return branchIn{branches: branches}, nil
}

func (p *condParser) parseTagPredicate() (condExpr, error) {
	switch {
	case p.keyword("present"):
		return tagPresent{present: true}, nil
	case p.keyword("blank"):
		return tagPresent{present: false}, nil
	}
	op := p.next()
	switch op {
	case "=~":
		pattern := p.next()
		if pattern == "" {
			return nil, fmt.Errorf("tag match missing pattern")
		}
		// Anchored at both ends, POSIX-style: the pattern must cover the
		// whole tag, not merely occur somewhere inside it.
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("bad tag pattern %q: %v", pattern, err)
		}
		return tagMatch{re: re}, nil
	case "=", "==", "!=":
		value := p.next()
		if value == "" {
			return nil, fmt.Errorf("tag comparison missing value")
		}
		eq := fieldCmpTag{value: value, negate: op == "!="}
		return eq, nil
	default:
		return nil, fmt.Errorf("expected =~, present, blank, = or != after tag")
	}
}

// fieldCmpTag compares the tag literally, separate from fieldCmp because
// the tag field lives in its own slot of RefMetadata.
type fieldCmpTag struct {
	value  string
	negate bool
}

func (e fieldCmpTag) eval(ref RefMetadata) bool {
	if e.negate {
		return ref.Tag != e.value
	}
	return ref.Tag == e.value
}
