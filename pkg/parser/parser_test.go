package parser

import (
	"errors"
	"reflect"
	"testing"

	"queryreg/pkg/ast"
)

func TestParse_SimpleSelect(t *testing.T) {
	st, err := Parse("SELECT o FROM Order o")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := st.Select.String(); got != "o" {
		t.Fatalf("expected projection 'o', got %q", got)
	}
	if st.From.Entity != "Order" || st.From.Alias != "o" {
		t.Fatalf("unexpected FROM clause: %+v", st.From)
	}
	if st.Where != nil {
		t.Fatalf("expected no WHERE clause, got %+v", st.Where)
	}
}

func TestParse_WhereWithParam(t *testing.T) {
	st, err := Parse("SELECT o FROM Order o WHERE o.state = :s")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	want := ast.Comparison{
		Left:  ast.Path{Parts: []string{"o", "state"}},
		Op:    ast.OpEq,
		Right: ast.Param{Name: "s"},
	}
	if !reflect.DeepEqual(st.Where, want) {
		t.Fatalf("unexpected WHERE clause: %#v", st.Where)
	}

	if params := st.Params(); len(params) != 1 || params[0] != "s" {
		t.Fatalf("unexpected params: %v", params)
	}
}

func TestParse_LogicalPrecedence(t *testing.T) {
	// AND binds tighter than OR
	st, err := Parse("SELECT u FROM User u WHERE u.age > 18 AND u.active = :a OR u.admin = :b")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	root, ok := st.Where.(ast.Logical)
	if !ok || root.Op != ast.OpOr {
		t.Fatalf("expected OR at root, got %#v", st.Where)
	}
	left, ok := root.Left.(ast.Logical)
	if !ok || left.Op != ast.OpAnd {
		t.Fatalf("expected AND on the left of OR, got %#v", root.Left)
	}
}

func TestParse_Parentheses(t *testing.T) {
	st, err := Parse("SELECT u FROM User u WHERE u.age > 18 AND (u.active = :a OR u.admin = :b)")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	root, ok := st.Where.(ast.Logical)
	if !ok || root.Op != ast.OpAnd {
		t.Fatalf("expected AND at root, got %#v", st.Where)
	}
	if right, ok := root.Right.(ast.Logical); !ok || right.Op != ast.OpOr {
		t.Fatalf("expected OR on the right of AND, got %#v", root.Right)
	}
}

func TestParse_Literals(t *testing.T) {
	st, err := Parse("SELECT o FROM Order o WHERE o.state = 'it''s open' AND o.total >= 10.5")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	root := st.Where.(ast.Logical)
	if s := root.Left.(ast.Comparison).Right.(ast.StringLit); s.Value != "it's open" {
		t.Fatalf("unexpected string literal: %q", s.Value)
	}
	if n := root.Right.(ast.Comparison).Right.(ast.NumberLit); n.Raw != "10.5" {
		t.Fatalf("unexpected number literal: %q", n.Raw)
	}
}

func TestParse_RenderRoundTrip(t *testing.T) {
	texts := []string{
		"SELECT o FROM Order o",
		"SELECT o FROM Order o WHERE o.state = :s",
		"SELECT u.name FROM User u WHERE u.age >= 21 AND u.banned <> :b",
	}

	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			st, err := Parse(text)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			again, err := Parse(st.String())
			if err != nil {
				t.Fatalf("reparse of rendered text failed: %v", err)
			}
			if !reflect.DeepEqual(st, again) {
				t.Fatalf("render round trip changed the AST:\n%#v\n%#v", st, again)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		text string
		pos  int
	}{
		{"empty input", "", 0},
		{"missing select", "FROM Order o", 0},
		{"missing from", "SELECT o WHERE o.state = :s", 9},
		{"missing alias", "SELECT o FROM Order", 19},
		{"dangling operator", "SELECT o FROM Order o WHERE o.state =", 37},
		{"unterminated string", "SELECT o FROM Order o WHERE o.state = 'open", 38},
		{"trailing garbage", "SELECT o FROM Order o extra.", 22},
		{"bare param marker", "SELECT o FROM Order o WHERE o.state = :", 38},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text)
			if err == nil {
				t.Fatalf("expected parse error for %q", tc.text)
			}

			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			if pe.Pos != tc.pos {
				t.Fatalf("expected error position %d, got %d (%v)", tc.pos, pe.Pos, pe)
			}
		})
	}
}
