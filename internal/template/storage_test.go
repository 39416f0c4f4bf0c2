package template

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

	dir, err := os.MkdirTemp("", "template_test")
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

func TestPutAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	tmpl := &Template{
		ID:          1,
		Content:     "Hello {name}, your code is {opt1}",
		Description: "verification code",
	}

	if err := storage.Put(ctx, tmpl); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := storage.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected template, got nil")
	}
	if got.Content != tmpl.Content {
		t.Errorf("expected content %q, got %q", tmpl.Content, got.Content)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestGetMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	got, err := storage.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing template, got %+v", got)
	}
}

func TestPutValidation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()

	if err := storage.Put(ctx, &Template{ID: 0, Content: "x"}); err == nil {
		t.Error("expected error for non-positive id")
	}
	if err := storage.Put(ctx, &Template{ID: 1}); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestPutPreservesCreatedAt(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Put(ctx, &Template{ID: 1, Content: "v1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	first, err := storage.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := storage.Put(ctx, &Template{ID: 1, Content: "v2"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	second, err := storage.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Content != "v2" {
		t.Errorf("expected updated content v2, got %q", second.Content)
	}
}

func TestListOrderedByID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	for _, id := range []int{3, 1, 2} {
		if err := storage.Put(ctx, &Template{ID: id, Content: "t"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	templates, err := storage.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(templates) != 3 {
		t.Fatalf("expected 3 templates, got %d", len(templates))
	}
	for i, tmpl := range templates {
		if tmpl.ID != i+1 {
			t.Errorf("expected template %d at position %d, got %d", i+1, i, tmpl.ID)
		}
	}
}

func TestDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	storage, err := NewStorage(db)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Put(ctx, &Template{ID: 1, Content: "t"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := storage.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	got, err := storage.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != nil {
		t.Error("expected template to be deleted")
	}
}
