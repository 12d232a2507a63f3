package templates

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// snippetLen bounds how much template source a CompileError carries.
const snippetLen = 100

// CompileError reports a malformed template source.
type CompileError struct {
	Snippet string // first 100 characters of the offending source
	Offset  int    // byte offset where parsing failed
	Reason  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("template compile error at offset %d: %s (source: %q)", e.Offset, e.Reason, e.Snippet)
}

func newCompileError(source string, offset int, format string, args ...any) *CompileError {
	snippet := source
	if utf8.RuneCountInString(snippet) > snippetLen {
		n := 0
		for i := range snippet {
			if n == snippetLen {
				snippet = snippet[:i]
				break
			}
			n++
		}
	}
	return &CompileError{Snippet: snippet, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

type tokenKind int

const (
	tokText tokenKind = iota
	tokExpr
	tokRaw
	tokComment
	tokOpen
	tokElse
	tokClose
)

type token struct {
	kind tokenKind
	text string // literal text, or the mustache body with sigils stripped
	pos  int
}

// lex splits source into text runs and mustache tags.
func lex(source string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(source) {
		start := strings.Index(source[i:], "{{")
		if start < 0 {
			toks = append(toks, token{kind: tokText, text: source[i:], pos: i})
			break
		}
		if start > 0 {
			toks = append(toks, token{kind: tokText, text: source[i : i+start], pos: i})
		}
		open := i + start

		switch {
		case strings.HasPrefix(source[open:], "{{{"):
			end := strings.Index(source[open+3:], "}}}")
			if end < 0 {
				return nil, newCompileError(source, open, "unclosed {{{")
			}
			body := strings.TrimSpace(source[open+3 : open+3+end])
			toks = append(toks, token{kind: tokRaw, text: body, pos: open})
			i = open + 3 + end + 3

		case strings.HasPrefix(source[open:], "{{!--"):
			end := strings.Index(source[open+5:], "--}}")
			if end < 0 {
				return nil, newCompileError(source, open, "unclosed comment")
			}
			toks = append(toks, token{kind: tokComment, pos: open})
			i = open + 5 + end + 4

		default:
			end := strings.Index(source[open+2:], "}}")
			if end < 0 {
				return nil, newCompileError(source, open, "unclosed {{")
			}
			body := strings.TrimSpace(source[open+2 : open+2+end])
			i = open + 2 + end + 2

			switch {
			case strings.HasPrefix(body, "!"):
				toks = append(toks, token{kind: tokComment, pos: open})
			case strings.HasPrefix(body, "#"):
				toks = append(toks, token{kind: tokOpen, text: strings.TrimSpace(body[1:]), pos: open})
			case strings.HasPrefix(body, "/"):
				toks = append(toks, token{kind: tokClose, text: strings.TrimSpace(body[1:]), pos: open})
			case body == "else":
				toks = append(toks, token{kind: tokElse, pos: open})
			default:
				toks = append(toks, token{kind: tokExpr, text: body, pos: open})
			}
		}
	}
	return toks, nil
}

type parser struct {
	source string
	toks   []token
	pos    int
}

// parse compiles source into its node tree.
func parse(source string) ([]node, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	p := &parser{source: source, toks: toks}
	body, _, err := p.parseList("", -1)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// parseList consumes tokens until the close tag for block (or EOF when block is "").
func (p *parser) parseList(block string, openPos int) (body, alt []node, err error) {
	target := &body
	sawElse := false

	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		p.pos++

		switch tok.kind {
		case tokText:
			*target = append(*target, textNode(tok.text))

		case tokComment:

		case tokExpr, tokRaw:
			if tok.text == "" {
				return nil, nil, newCompileError(p.source, tok.pos, "empty expression")
			}
			e, err := p.parseExpression(tok.text, tok.pos)
			if err != nil {
				return nil, nil, err
			}
			*target = append(*target, &exprNode{expr: e, raw: tok.kind == tokRaw})

		case tokOpen:
			n, err := p.parseBlock(tok)
			if err != nil {
				return nil, nil, err
			}
			*target = append(*target, n)

		case tokElse:
			if block == "" {
				return nil, nil, newCompileError(p.source, tok.pos, "{{else}} outside of a block")
			}
			if sawElse {
				return nil, nil, newCompileError(p.source, tok.pos, "duplicate {{else}} in {{#%s}}", block)
			}
			sawElse = true
			target = &alt

		case tokClose:
			if tok.text != block {
				if block == "" {
					return nil, nil, newCompileError(p.source, tok.pos, "unexpected {{/%s}}", tok.text)
				}
				return nil, nil, newCompileError(p.source, tok.pos, "{{/%s}} does not close {{#%s}}", tok.text, block)
			}
			return body, alt, nil
		}
	}

	if block != "" {
		return nil, nil, newCompileError(p.source, openPos, "unclosed {{#%s}}", block)
	}
	return body, alt, nil
}

func (p *parser) parseBlock(tok token) (node, error) {
	fields := strings.Fields(tok.text)
	if len(fields) == 0 {
		return nil, newCompileError(p.source, tok.pos, "block without a name")
	}
	name := fields[0]
	if len(fields) != 2 {
		return nil, newCompileError(p.source, tok.pos, "{{#%s}} takes exactly one argument", name)
	}
	arg, err := parseOperand(fields[1])
	if err != nil {
		return nil, newCompileError(p.source, tok.pos, "%v", err)
	}

	switch name {
	case "if", "unless", "each":
	default:
		return nil, newCompileError(p.source, tok.pos, "unknown block helper %q", name)
	}

	body, alt, err := p.parseList(name, tok.pos)
	if err != nil {
		return nil, err
	}

	switch name {
	case "if":
		return &ifNode{cond: arg, then: body, els: alt}, nil
	case "unless":
		return &ifNode{cond: arg, then: body, els: alt, negate: true}, nil
	default:
		return &eachNode{list: arg, body: body, els: alt}, nil
	}
}

func (p *parser) parseExpression(text string, pos int) (expression, error) {
	parts, err := splitArgs(text)
	if err != nil {
		return expression{}, newCompileError(p.source, pos, "%v", err)
	}
	ops := make([]operand, 0, len(parts))
	for _, part := range parts {
		op, err := parseOperand(part)
		if err != nil {
			return expression{}, newCompileError(p.source, pos, "%v", err)
		}
		ops = append(ops, op)
	}

	head := ops[0]
	if !head.literal && len(head.path) == 1 {
		if fn, ok := builtinHelpers[head.path[0]]; ok {
			return expression{helper: head.path[0], fn: fn, args: ops[1:]}, nil
		}
	}
	if len(ops) > 1 {
		return expression{}, newCompileError(p.source, pos, "unknown helper %q", strings.Join(head.path, "."))
	}
	return expression{args: ops}, nil
}

// splitArgs splits a mustache body on whitespace, keeping quoted strings whole.
func splitArgs(s string) ([]string, error) {
	var (
		out   []string
		cur   strings.Builder
		quote byte
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
				flush()
			}
		case c == '"' || c == '\'':
			flush()
			quote = c
			cur.WriteByte(c)
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string literal")
	}
	flush()
	if len(out) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return out, nil
}

func parseOperand(s string) (operand, error) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return operand{literal: true, value: s[1 : len(s)-1]}, nil
	}
	switch s {
	case "true":
		return operand{literal: true, value: true}, nil
	case "false":
		return operand{literal: true, value: false}, nil
	}
	if c := s[0]; c == '-' || (c >= '0' && c <= '9') {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %q", s)
		}
		return operand{literal: true, value: f}, nil
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || c == '.' || c == '@' || c == '-' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return operand{}, fmt.Errorf("invalid character %q in %q", c, s)
		}
	}
	path := strings.Split(s, ".")
	for _, seg := range path {
		if seg == "" {
			return operand{}, fmt.Errorf("invalid path %q", s)
		}
	}
	return operand{path: path}, nil
}
