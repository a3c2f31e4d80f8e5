// Package uuid includes tests for the run ID generator.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewRunID ensures generated IDs are unique, valid and time ordered.
func TestGeneratorNewRunID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewRunID()
	if err != nil {
		t.Fatalf("NewRunID() error = %v", err)
	}
	id2 := gen.MustRunID()
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id1.Version())
	}
	if _, err := goUUID.Parse(id2.String()); err != nil {
		t.Fatalf("id2 not valid UUID: %v", err)
	}
	if id2.String() < id1.String() {
		t.Fatalf("expected v7 ids to sort by creation: %s then %s", id1, id2)
	}
}
