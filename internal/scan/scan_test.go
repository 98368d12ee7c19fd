package scan

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileKnownDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	digest, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if digest != want {
		t.Errorf("digest = %s, want %s", digest, want)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
}

func TestHashFileStableUntilContentChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	first, _, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	second, _, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if first != second {
		t.Error("hashing twice without modification changed the digest")
	}

	if err := os.WriteFile(path, []byte("hello!"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	third, _, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if third == first {
		t.Error("digest did not change with the content")
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, _, err := HashFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCollectExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.txt")
	if err := os.WriteFile(path, []byte("data"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	meta := Collect(path)
	if meta.Empty() {
		t.Fatal("expected metadata for an existing file")
	}
	if meta.Size == nil || *meta.Size != 4 {
		t.Errorf("size = %v, want 4", meta.Size)
	}
	if meta.Mode == nil {
		t.Error("mode missing")
	}
	if meta.Mtime == nil {
		t.Error("mtime missing")
	}
}

func TestCollectMissingFileNeverFails(t *testing.T) {
	meta := Collect(filepath.Join(t.TempDir(), "gone"))
	if !meta.Empty() {
		t.Error("expected empty metadata for a missing file")
	}
}
