package ast

import (
	"strings"
)

// Statement is the parsed form of a registered query. It is produced once by
// the parser and never mutated afterwards; readers share it freely.
type Statement struct {
	Select Path
	From   FromClause
	Where  Expr // nil when the statement has no WHERE part
}

// FromClause names the queried entity and the alias bound to it.
type FromClause struct {
	Entity string
	Alias  string
}

// Expr is a boolean expression tree node.
type Expr interface {
	exprNode()
	writeTo(b *strings.Builder)
}

type LogicOp string

const (
	OpAnd LogicOp = "AND"
	OpOr  LogicOp = "OR"
)

// Logical combines two expressions with AND/OR.
type Logical struct {
	Op    LogicOp
	Left  Expr
	Right Expr
}

type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "<>"
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Comparison compares a property path against an operand.
type Comparison struct {
	Left  Path
	Op    CompareOp
	Right Operand
}

// Path is a dotted property reference such as "o.state".
type Path struct {
	Parts []string
}

func (p Path) String() string {
	return strings.Join(p.Parts, ".")
}

// Operand is the right-hand side of a comparison.
type Operand interface {
	operandNode()
	writeTo(b *strings.Builder)
}

// Param is a named placeholder such as ":s".
type Param struct {
	Name string
}

// StringLit is a quoted string literal.
type StringLit struct {
	Value string
}

// NumberLit keeps the raw spelling so rendering round-trips.
type NumberLit struct {
	Raw string
}

func (Logical) exprNode()    {}
func (Comparison) exprNode() {}

func (Param) operandNode()     {}
func (StringLit) operandNode() {}
func (NumberLit) operandNode() {}
func (Path) operandNode()      {}

func (l Logical) writeTo(b *strings.Builder) {
	l.Left.writeTo(b)
	b.WriteString(" ")
	b.WriteString(string(l.Op))
	b.WriteString(" ")
	l.Right.writeTo(b)
}

func (c Comparison) writeTo(b *strings.Builder) {
	c.Left.writeTo(b)
	b.WriteString(" ")
	b.WriteString(string(c.Op))
	b.WriteString(" ")
	c.Right.writeTo(b)
}

func (p Path) writeTo(b *strings.Builder) {
	b.WriteString(p.String())
}

func (p Param) writeTo(b *strings.Builder) {
	b.WriteString(":")
	b.WriteString(p.Name)
}

func (s StringLit) writeTo(b *strings.Builder) {
	b.WriteString("'")
	b.WriteString(strings.ReplaceAll(s.Value, "'", "''"))
	b.WriteString("'")
}

func (n NumberLit) writeTo(b *strings.Builder) {
	b.WriteString(n.Raw)
}

// String renders the statement back to canonical query text.
func (s *Statement) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(s.Select.String())
	b.WriteString(" FROM ")
	b.WriteString(s.From.Entity)
	b.WriteString(" ")
	b.WriteString(s.From.Alias)
	if s.Where != nil {
		b.WriteString(" WHERE ")
		s.Where.writeTo(&b)
	}
	return b.String()
}

// Params lists the named placeholders of the statement in order of first
// appearance.
func (s *Statement) Params() []string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	var walk func(e Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Logical:
			walk(n.Left)
			walk(n.Right)
		case Comparison:
			if p, ok := n.Right.(Param); ok && !seen[p.Name] {
				seen[p.Name] = true
				out = append(out, p.Name)
			}
		}
	}
	if s.Where != nil {
		walk(s.Where)
	}
	return out
}
