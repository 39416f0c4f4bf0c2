package recipient

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "recipient_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(dir, "test.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("failed to open db: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}

func TestSaveAndList(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	in := []Recipient{
		{Name: "Alice", Address: "0601234567", Selected: true},
		{Name: "Bob", Address: "0707654321"},
		{Name: "Carol", Address: "0901112223", Selected: true},
	}

	if err := storage.Save(ctx, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	out, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 recipients, got %d", len(out))
	}

	// Insertion order preserved
	if out[0].Name != "Alice" || out[1].Name != "Bob" || out[2].Name != "Carol" {
		t.Errorf("unexpected order: %s, %s, %s", out[0].Name, out[1].Name, out[2].Name)
	}

	for _, r := range out {
		if r.ID == "" {
			t.Errorf("recipient %s missing generated ID", r.Name)
		}
	}

	if out[0].ChannelGroup != "group-a" {
		t.Errorf("expected group-a for Alice, got %q", out[0].ChannelGroup)
	}
	if out[1].ChannelGroup != "group-b" {
		t.Errorf("expected group-b for Bob, got %q", out[1].ChannelGroup)
	}
}

func TestSelected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	in := []Recipient{
		{Name: "Alice", Address: "0601234567", Selected: true},
		{Name: "Bob", Address: "0707654321"},
	}
	if err := storage.Save(ctx, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	selected, err := storage.Selected(ctx)
	if err != nil {
		t.Fatalf("Selected failed: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("expected 1 selected, got %d", len(selected))
	}
	if selected[0].Name != "Alice" {
		t.Errorf("expected Alice, got %s", selected[0].Name)
	}
}

func TestRemove(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Save(ctx, []Recipient{
		{Name: "Alice", Address: "0601234567"},
		{Name: "Bob", Address: "0707654321"},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	all, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if err := storage.Remove(ctx, all[0].ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	remaining, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 recipient after remove, got %d", len(remaining))
	}
	if remaining[0].Name != "Bob" {
		t.Errorf("expected Bob to remain, got %s", remaining[0].Name)
	}
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := storage.Remove(context.Background(), "no-such-id"); err != nil {
		t.Fatalf("Remove of absent recipient should be a no-op, got: %v", err)
	}
}

func TestChannelGroupFor(t *testing.T) {
	cases := []struct {
		address string
		group   string
	}{
		{"0601234567", "group-a"},
		{"+0611234567", "group-a"},
		{"0721234567", "group-b"},
		{"0901234567", "group-c"},
		{"0801234567", ""},
		{"", ""},
	}

	for _, tc := range cases {
		if got := ChannelGroupFor(tc.address); got != tc.group {
			t.Errorf("ChannelGroupFor(%q) = %q, expected %q", tc.address, got, tc.group)
		}
	}
}
