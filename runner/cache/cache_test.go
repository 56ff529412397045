package cache

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("1.32.0", "linux", "fp")
	b := DeriveKey("1.32.0", "linux", "fp")
	if a != b {
		t.Error("same inputs produced different keys")
	}
	if a == DeriveKey("1.32.0", "osx", "fp") {
		t.Error("different OS produced the same key")
	}
	if a == DeriveKey("1.31.0", "linux", "fp") {
		t.Error("different toolchain produced the same key")
	}
	if a == DeriveKey("1.32.0", "linux", "other") {
		t.Error("different fingerprint produced the same key")
	}
}

func TestScopeFingerprintTracksFileContents(t *testing.T) {
	dir := t.TempDir()
	lockfile := filepath.Join(dir, "Cargo.lock")
	if err := os.WriteFile(lockfile, []byte("serde 1.0.80"), 0644); err != nil {
		t.Fatal(err)
	}

	before := ScopeFingerprint(dir, []string{"Cargo.lock"})
	if before != ScopeFingerprint(dir, []string{"Cargo.lock"}) {
		t.Error("fingerprint not deterministic")
	}

	if err := os.WriteFile(lockfile, []byte("serde 1.0.81"), 0644); err != nil {
		t.Fatal(err)
	}
	if before == ScopeFingerprint(dir, []string{"Cargo.lock"}) {
		t.Error("fingerprint unchanged after lockfile edit")
	}
}

func TestScopeFingerprintLiteralTokens(t *testing.T) {
	dir := t.TempDir()
	a := ScopeFingerprint(dir, []string{"cargo"})
	if a == ScopeFingerprint(dir, []string{"rustup"}) {
		t.Error("different literal tokens produced the same fingerprint")
	}
	if a == ScopeFingerprint(dir, []string{"cargo", "cargo"}) {
		t.Error("token list length ignored")
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"registry/index":   "index data",
		"registry/cache/a": "crate a",
		"bin/tool":         "binary",
	})

	key := DeriveKey("1.32.0", "linux", "fp")
	if err := mgr.Save(key, src, time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dest := t.TempDir()
	hit, err := mgr.Restore(key, dest)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !hit {
		t.Fatal("restore missed a saved entry")
	}

	for name, want := range map[string]string{
		"registry/index":   "index data",
		"registry/cache/a": "crate a",
		"bin/tool":         "binary",
	} {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil {
			t.Errorf("restored tree missing %s: %v", name, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", name, data, want)
		}
	}
}

func TestRestoreAllowsDottedNames(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"foo..bar":        "dots in a name",
		"v1..v2/diff.txt": "dots in a directory",
	})

	key := DeriveKey("1.32.0", "linux", "fp")
	if err := mgr.Save(key, src, 0); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dest := t.TempDir()
	hit, err := mgr.Restore(key, dest)
	if err != nil {
		t.Fatalf("Restore rejected a legitimate name: %v", err)
	}
	if !hit {
		t.Fatal("restore missed a saved entry")
	}
	for _, name := range []string{"foo..bar", "v1..v2/diff.txt"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("restored tree missing %s: %v", name, err)
		}
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	content := []byte("evil")
	if err := tw.WriteHeader(&tar.Header{Name: "../evil", Mode: 0644, Size: int64(len(content))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := unpackDir(&buf, t.TempDir()); err == nil {
		t.Fatal("archive with a ../ member unpacked without error")
	}
}

func TestRestoreMiss(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	hit, err := mgr.Restore(DeriveKey("1.32.0", "linux", "nope"), t.TempDir())
	if err != nil {
		t.Fatalf("a miss must not be an error, got: %v", err)
	}
	if hit {
		t.Error("restore reported a hit for a key never saved")
	}
}

func TestSaveOverwritesPreviousPayload(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := DeriveKey("1.32.0", "linux", "fp")

	src := t.TempDir()
	writeTree(t, src, map[string]string{"state": "v1"})
	if err := mgr.Save(key, src, 0); err != nil {
		t.Fatal(err)
	}

	src2 := t.TempDir()
	writeTree(t, src2, map[string]string{"state": "v2"})
	if err := mgr.Save(key, src2, 0); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if _, err := mgr.Restore(key, dest); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "state"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("state = %q, want the last write to win", data)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})

	expiring := DeriveKey("1.32.0", "linux", "old")
	if err := mgr.Save(expiring, src, time.Minute); err != nil {
		t.Fatal(err)
	}
	forever := DeriveKey("1.32.0", "linux", "pinned")
	if err := mgr.Save(forever, src, 0); err != nil {
		t.Fatal(err)
	}

	evicted, err := mgr.Sweep(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted %d entries, want 1", evicted)
	}

	if hit, _ := mgr.Restore(expiring, t.TempDir()); hit {
		t.Error("expired entry survived the sweep")
	}
	if hit, _ := mgr.Restore(forever, t.TempDir()); !hit {
		t.Error("entry without a timeout was evicted")
	}
}

func TestRestoreRefreshesLastAccess(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})
	key := DeriveKey("1.32.0", "linux", "fp")
	if err := mgr.Save(key, src, time.Hour); err != nil {
		t.Fatal(err)
	}

	entries, err := mgr.Entries()
	if err != nil {
		t.Fatal(err)
	}
	saved := entries[0].LastAccess

	time.Sleep(10 * time.Millisecond)
	if _, err := mgr.Restore(key, t.TempDir()); err != nil {
		t.Fatal(err)
	}

	entries, err = mgr.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if !entries[0].LastAccess.After(saved) {
		t.Error("restore did not refresh last access")
	}
}
