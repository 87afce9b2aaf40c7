// Package skills loads reusable instruction packs that agents pull
// into their context on demand. A skill is a folder containing a
// SKILL.md with YAML frontmatter and markdown instructions.
package skills

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Skill is a loaded instruction pack.
type Skill struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	// Instructions is the markdown body below the frontmatter.
	Instructions string `yaml:"-"`
	Path         string `yaml:"-"`
}

// Ref is a minimal reference used for discovery listings.
type Ref struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
}

// Load loads a skill from its directory.
func Load(dir string) (*Skill, error) {
	content, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return nil, fmt.Errorf("failed to read SKILL.md: %w", err)
	}
	skill, err := Parse(string(content))
	if err != nil {
		return nil, err
	}
	skill.Path = dir
	if skill.Name != filepath.Base(dir) {
		return nil, fmt.Errorf("skill name %q does not match directory name %q", skill.Name, filepath.Base(dir))
	}
	return skill, nil
}

// Parse parses SKILL.md content.
func Parse(content string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	skill := &Skill{}
	if err := yaml.Unmarshal([]byte(frontmatter), skill); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	if skill.Name == "" {
		return nil, fmt.Errorf("missing required field: name")
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("missing required field: description")
	}
	if err := validateName(skill.Name); err != nil {
		return nil, err
	}

	skill.Instructions = strings.TrimSpace(body)
	return skill, nil
}

func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unclosed frontmatter")
}

func validateName(name string) error {
	if len(name) == 0 || len(name) > 64 {
		return fmt.Errorf("name must be 1-64 characters")
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") || strings.Contains(name, "--") {
		return fmt.Errorf("invalid hyphen placement in name")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("name can only contain lowercase letters, numbers, and hyphens")
		}
	}
	return nil
}

// Discover lists all valid skills under dir. A missing directory is
// not an error; it just means no skills are installed.
func Discover(dir string) ([]Ref, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var refs []Ref
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "SKILL.md")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		ref, err := parseRef(path)
		if err != nil {
			continue // skip invalid skills
		}
		ref.Path = filepath.Join(dir, entry.Name())
		refs = append(refs, ref)
	}
	return refs, nil
}

// parseRef reads only the frontmatter for discovery.
func parseRef(path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var inFrontmatter bool
	var fmLines []string
	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if !inFrontmatter {
			if trimmed == "---" {
				inFrontmatter = true
			}
			continue
		}
		if trimmed == "---" {
			break
		}
		fmLines = append(fmLines, scanner.Text())
	}

	var ref Ref
	if err := yaml.Unmarshal([]byte(strings.Join(fmLines, "\n")), &ref); err != nil {
		return Ref{}, err
	}
	if ref.Name == "" || ref.Description == "" {
		return Ref{}, fmt.Errorf("missing name or description")
	}
	return ref, nil
}

// ReadReference reads a supporting file shipped with the skill.
func (s *Skill) ReadReference(name string) (string, error) {
	content, err := os.ReadFile(filepath.Join(s.Path, "references", name))
	if err != nil {
		return "", fmt.Errorf("failed to read reference %s: %w", name, err)
	}
	return string(content), nil
}
