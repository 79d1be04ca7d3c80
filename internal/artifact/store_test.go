package artifact_test

import (
	"context"
	"errors"
	"testing"

	"extractd/internal/artifact"
)

func TestPutRetrieveRoundtrip(t *testing.T) {
	store, err := artifact.NewDirStoreAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStoreAt: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "payloads/doc.pdf", []byte("raw bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Retrieve(ctx, "payloads/doc.pdf")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "raw bytes" {
		t.Fatalf("unexpected content %q", got)
	}

	// Overwrites replace content.
	if err := store.Put(ctx, "payloads/doc.pdf", []byte("updated")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err = store.Retrieve(ctx, "payloads/doc.pdf")
	if err != nil {
		t.Fatalf("Retrieve after overwrite: %v", err)
	}
	if string(got) != "updated" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestPutCreatesNestedDirectories(t *testing.T) {
	store, err := artifact.NewDirStoreAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStoreAt: %v", err)
	}
	ctx := context.Background()

	ref := "jobs/7c9e6679/stages/extract"
	if err := store.Put(ctx, ref, []byte("stage output")); err != nil {
		t.Fatalf("Put nested: %v", err)
	}
	got, err := store.Retrieve(ctx, ref)
	if err != nil {
		t.Fatalf("Retrieve nested: %v", err)
	}
	if string(got) != "stage output" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestRetrieveMissingArtifact(t *testing.T) {
	store, err := artifact.NewDirStoreAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStoreAt: %v", err)
	}

	_, err = store.Retrieve(context.Background(), "payloads/absent.pdf")
	if !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefsCannotEscapeRoot(t *testing.T) {
	store, err := artifact.NewDirStoreAt(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStoreAt: %v", err)
	}
	ctx := context.Background()

	for _, ref := range []string{"../outside", "a/../../outside", "..", ""} {
		if err := store.Put(ctx, ref, []byte("x")); err == nil {
			t.Fatalf("expected rejection for ref %q", ref)
		}
		if _, err := store.Retrieve(ctx, ref); err == nil {
			t.Fatalf("expected rejection for ref %q", ref)
		}
	}
}

func TestNewDirStoreRequiresRoot(t *testing.T) {
	if _, err := artifact.NewDirStoreAt("  "); err == nil {
		t.Fatal("expected error for blank root")
	}
}
