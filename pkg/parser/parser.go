// Package parser turns raw statement text into its abstract syntax tree.
//
// The grammar is a small SELECT subset:
//
//	statement  = "SELECT" path "FROM" ident ident [ "WHERE" expr ]
//	expr       = andExpr { "OR" andExpr }
//	andExpr    = primary { "AND" primary }
//	primary    = "(" expr ")" | path compareOp operand
//	operand    = param | string | number | path
//
// Parsing is stateless; a failed parse reports the message and byte position
// of the offending token.
package parser

import (
	"queryreg/pkg/ast"
)

// Parse validates text and returns its Statement. The returned error, when
// non-nil, is always a *ParseError.
func Parse(text string) (*ast.Statement, error) {
	p := &parser{lx: &lexer{input: text}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	st, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q after end of statement", p.tok.text)
	}
	return st, nil
}

type parser struct {
	lx  *lexer
	tok token
}

func (p *parser) advance() *ParseError {
	tok, err := p.lx.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...any) *ParseError {
	return p.lx.errorf(p.tok.pos, format, args...)
}

func (p *parser) expectKeyword(kw string) *ParseError {
	if p.tok.kind != tokKeyword || p.tok.text != kw {
		return p.errorf("expected %s, found %q", kw, p.tok.text)
	}
	return p.advance()
}

func (p *parser) parseStatement() (*ast.Statement, *ParseError) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	sel, err := p.parsePath()
	if err != nil {
		return nil, err
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}

	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected entity name, found %q", p.tok.text)
	}
	entity := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected entity alias, found %q", p.tok.text)
	}
	alias := p.tok.text
	if err := p.advance(); err != nil {
		return nil, err
	}

	st := &ast.Statement{
		Select: sel,
		From:   ast.FromClause{Entity: entity, Alias: alias},
	}

	if p.tok.kind == tokKeyword && p.tok.text == "WHERE" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		where, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		st.Where = where
	}

	return st, nil
}

func (p *parser) parseExpr() (ast.Expr, *ParseError) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokKeyword && p.tok.text == "OR" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = ast.Logical{Op: ast.OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (ast.Expr, *ParseError) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokKeyword && p.tok.text == "AND" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = ast.Logical{Op: ast.OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (ast.Expr, *ParseError) {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected ')', found %q", p.tok.text)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parsePath()
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokOp {
		return nil, p.errorf("expected comparison operator, found %q", p.tok.text)
	}
	op := ast.CompareOp(p.tok.text)
	if err := p.advance(); err != nil {
		return nil, err
	}

	operand, perr := p.parseOperand()
	if perr != nil {
		return nil, perr
	}

	return ast.Comparison{Left: left, Op: op, Right: operand}, nil
}

func (p *parser) parseOperand() (ast.Operand, *ParseError) {
	switch p.tok.kind {
	case tokParam:
		op := ast.Param{Name: p.tok.text}
		return op, p.advance()
	case tokString:
		op := ast.StringLit{Value: p.tok.text}
		return op, p.advance()
	case tokNumber:
		op := ast.NumberLit{Raw: p.tok.text}
		return op, p.advance()
	case tokIdent:
		pth, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		return pth, nil
	default:
		return nil, p.errorf("expected operand, found %q", p.tok.text)
	}
}

func (p *parser) parsePath() (ast.Path, *ParseError) {
	if p.tok.kind != tokIdent {
		return ast.Path{}, p.errorf("expected identifier, found %q", p.tok.text)
	}
	parts := []string{p.tok.text}
	if err := p.advance(); err != nil {
		return ast.Path{}, err
	}
	for p.tok.kind == tokDot {
		if err := p.advance(); err != nil {
			return ast.Path{}, err
		}
		if p.tok.kind != tokIdent {
			return ast.Path{}, p.errorf("expected identifier after '.', found %q", p.tok.text)
		}
		parts = append(parts, p.tok.text)
		if err := p.advance(); err != nil {
			return ast.Path{}, err
		}
	}
	return ast.Path{Parts: parts}, nil
}
