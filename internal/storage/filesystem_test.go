package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreUpload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/static/")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	url, err := store.Upload(context.Background(), "generated/images/j1/image-01.png", []byte("data"), "image/png")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "http://localhost:8080/static/generated/images/j1/image-01.png" {
		t.Fatalf("url = %q", url)
	}

	content, err := os.ReadFile(filepath.Join(dir, "generated", "images", "j1", "image-01.png"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(content) != "data" {
		t.Fatalf("content = %q", content)
	}
}

func TestFileStoreOverwriteSameKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	first, err := store.Upload(context.Background(), "k/a.png", []byte("one"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Upload(context.Background(), "k/a.png", []byte("two"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("same key must yield same url: %q vs %q", first, second)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(context.Background(), "k/a.png", []byte("one"), "image/png"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(context.Background(), "k/a.png"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting a missing key is not an error.
	if err := store.Delete(context.Background(), "k/a.png"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b.png", want: "a/b.png"},
		{in: "/a/b.png", want: "a/b.png"},
		{in: "./a/b.png", want: "a/b.png"},
		{in: "a\\b.png", want: "a/b.png"},
		{in: "../escape.png", wantErr: true},
		{in: "a/../../escape.png", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("sanitizeKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
