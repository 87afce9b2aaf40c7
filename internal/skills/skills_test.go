package skills

import (
	"os"
	"path/filepath"
	"testing"
)

const validSkill = `---
name: git-workflow
description: Branch and commit conventions for this repo.
---

Always branch from main. Commit messages use imperative mood.
`

func writeSkill(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	return dir
}

func TestLoadValidSkill(t *testing.T) {
	dir := writeSkill(t, t.TempDir(), "git-workflow", validSkill)

	skill, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if skill.Name != "git-workflow" {
		t.Errorf("name = %q", skill.Name)
	}
	if skill.Instructions == "" || skill.Instructions[:6] != "Always" {
		t.Errorf("instructions not parsed: %q", skill.Instructions)
	}
}

func TestLoadRejectsNameMismatch(t *testing.T) {
	dir := writeSkill(t, t.TempDir(), "wrong-dir", validSkill)
	if _, err := Load(dir); err == nil {
		t.Error("expected name/directory mismatch error")
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"no frontmatter":       "just markdown",
		"unclosed frontmatter": "---\nname: x\ndescription: y\n",
		"missing name":         "---\ndescription: y\n---\nbody",
		"bad name chars":       "---\nname: Bad_Name\ndescription: y\n---\nbody",
	}
	for label, content := range cases {
		if _, err := Parse(content); err == nil {
			t.Errorf("%s: expected parse error", label)
		}
	}
}

func TestDiscoverSkipsInvalid(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "git-workflow", validSkill)
	writeSkill(t, root, "broken", "not a skill")
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	refs, err := Discover(root)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(refs) != 1 || refs[0].Name != "git-workflow" {
		t.Errorf("unexpected refs: %+v", refs)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	refs, err := Discover(filepath.Join(t.TempDir(), "nope"))
	if err != nil || refs != nil {
		t.Errorf("missing dir should be empty, got %v / %v", refs, err)
	}
}
