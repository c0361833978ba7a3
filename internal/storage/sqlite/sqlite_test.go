package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/noxrunner/noxrunner/internal/sandbox"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "records.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id string) *sandbox.Record {
	now := time.Now().UTC().Truncate(time.Second)
	return &sandbox.Record{
		SessionID:     id,
		RootPath:      "/tmp/noxrunner_sandbox_" + id,
		WorkspaceName: "workspace",
		CreatedAt:     now,
		ExpiresAt:     now.Add(15 * time.Minute),
		TTL:           15 * time.Minute,
	}
}

func TestSaveAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	want := testRecord("s1")
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}

	got := records[0]
	if got.SessionID != want.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, want.SessionID)
	}
	if got.RootPath != want.RootPath {
		t.Errorf("RootPath = %q, want %q", got.RootPath, want.RootPath)
	}
	if got.TTL != want.TTL {
		t.Errorf("TTL = %v, want %v", got.TTL, want.TTL)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestSaveUpserts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := testRecord("s1")
	if err := store.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}

	rec.ExpiresAt = rec.ExpiresAt.Add(time.Hour)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after upsert, want 1", len(records))
	}
	if !records[0].ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", records[0].ExpiresAt, rec.ExpiresAt)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, testRecord("s2")); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].SessionID != "s2" {
		t.Errorf("records after delete = %+v, want only s2", records)
	}

	// Deleting an absent record is a no-op.
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Errorf("deleting absent record: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, nil); err == nil {
		t.Error("Open with empty path should fail")
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, err := Open(Config{Path: path}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, testRecord("persist")); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Config{Path: path}, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	records, err := reopened.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].SessionID != "persist" {
		t.Errorf("records after reopen = %+v", records)
	}
}
