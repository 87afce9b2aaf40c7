package capability

import (
	"os"
	"path/filepath"
	"testing"
)

const filesManifest = `group: files
description: File reading and writing.
capabilities:
  - name: read_file
    description: Read a file from the workspace.
    parameters:
      - name: path
        type: string
        required: true
  - name: write_file
    description: Write content to a file.
    parameters:
      - name: path
        type: string
        required: true
      - name: content
        type: string
        required: true
`

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadManifestDirRegistersGroups(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "files.yaml", filesManifest)
	writeManifest(t, dir, "notes.txt", "not a manifest")

	r := NewRegistry()
	count, err := LoadManifestDir(r, dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 manifest loaded, got %d", count)
	}

	d, ok := r.Get("read_file")
	if !ok {
		t.Fatal("read_file not registered")
	}
	if d.Group != "files" {
		t.Errorf("read_file group = %q, want files", d.Group)
	}
	if len(d.Parameters) != 1 || d.Parameters[0].Name != "path" || !d.Parameters[0].Required {
		t.Errorf("unexpected parameters: %+v", d.Parameters)
	}
	if got := len(r.Group("files")); got != 2 {
		t.Errorf("files group has %d capabilities, want 2", got)
	}
}

func TestLoadManifestDirMissingDir(t *testing.T) {
	r := NewRegistry()
	count, err := LoadManifestDir(r, filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing dir should not error: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestLoadManifestRequiresGroup(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "bad.yaml", "capabilities:\n  - name: orphan\n")

	if _, err := LoadManifest(NewRegistry(), filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("expected an error for a manifest without a group")
	}
}

func TestLoadManifestReloadReplaces(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "files.yaml", filesManifest)

	r := NewRegistry()
	if _, err := LoadManifestDir(r, dir); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	updated := `group: files
capabilities:
  - name: read_file
    description: Read a file, optionally a byte range.
    parameters:
      - name: path
        type: string
        required: true
      - name: offset
        type: int
`
	writeManifest(t, dir, "files.yaml", updated)
	if _, err := LoadManifestDir(r, dir); err != nil {
		t.Fatalf("reload: %v", err)
	}

	d, ok := r.Get("read_file")
	if !ok {
		t.Fatal("read_file missing after reload")
	}
	if len(d.Parameters) != 2 {
		t.Errorf("reload should replace the descriptor, got %+v", d.Parameters)
	}
}
