package cache

import (
	"testing"
	"time"

	"queryreg/pkg/ast"
)

func stmt(alias, entity string) *ast.Statement {
	return &ast.Statement{
		Select: ast.Path{Parts: []string{alias}},
		From:   ast.FromClause{Entity: entity, Alias: alias},
	}
}

func TestCache_PutGetRemove(t *testing.T) {
	c := New()

	c.Put("Order/state/1", Entry{Statement: stmt("o", "Order"), Text: "SELECT o FROM Order o"})

	got, ok := c.Get("Order/state/1")
	if !ok {
		t.Fatal("expected to find Order/state/1")
	}
	if got.From.Entity != "Order" {
		t.Fatalf("unexpected statement: %+v", got)
	}

	c.Remove("Order/state/1")
	if _, ok := c.Get("Order/state/1"); ok {
		t.Fatal("expected Order/state/1 to be gone")
	}

	// removing an absent key is a no-op
	c.Remove("Order/state/1")
}

func TestCache_PutOverwrites(t *testing.T) {
	c := New()

	c.Put("k", Entry{Statement: stmt("o", "Order"), Text: "SELECT o FROM Order o"})
	c.Put("k", Entry{Statement: stmt("u", "User"), Text: "SELECT u FROM User u"})

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected to find k")
	}
	if got.From.Entity != "User" {
		t.Fatalf("expected overwritten statement, got %+v", got)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("short", Entry{Statement: stmt("o", "Order"), ExpireAt: now.Add(time.Minute)})
	c.Put("forever", Entry{Statement: stmt("u", "User")})

	if _, ok := c.Get("short"); !ok {
		t.Fatal("entry should be live before its deadline")
	}

	now = now.Add(2 * time.Minute)

	if _, ok := c.Get("short"); ok {
		t.Fatal("entry should have expired")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Fatal("entry without TTL must not expire")
	}
}

func TestCache_KeysAndEntries(t *testing.T) {
	c := New()

	c.Put("a", Entry{Statement: stmt("o", "Order"), Text: "SELECT o FROM Order o"})
	c.Put("b", Entry{Statement: stmt("u", "User"), Text: "SELECT u FROM User u"})

	keys := c.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}

	orders := c.Entries(func(_ string, e Entry) bool {
		return e.Statement.From.Entity == "Order"
	})
	if len(orders) != 1 {
		t.Fatalf("expected 1 Order entry, got %d", len(orders))
	}
	if _, ok := orders["a"]; !ok {
		t.Fatalf("expected entry under key a, got %v", orders)
	}
}
