package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manifest declares a capability group in a YAML file. Manifest-declared
// capabilities have no in-process closure; calls route through the
// registry's external invoker.
type Manifest struct {
	Group        string `yaml:"group"`
	Description  string `yaml:"description,omitempty"`
	Capabilities []struct {
		Name        string      `yaml:"name"`
		Description string      `yaml:"description,omitempty"`
		Parameters  []Parameter `yaml:"parameters,omitempty"`
	} `yaml:"capabilities"`
}

// LoadManifest parses one manifest file and registers its capabilities.
func LoadManifest(r *Registry, path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Group == "" {
		return nil, fmt.Errorf("manifest %s declares no group", path)
	}

	for _, c := range m.Capabilities {
		if err := r.Register(&Descriptor{
			Name:        c.Name,
			Group:       m.Group,
			Description: c.Description,
			Parameters:  c.Parameters,
		}); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// LoadManifestDir registers every *.yaml/*.yml manifest under dir.
// A missing directory is not an error; it just contributes no groups.
func LoadManifestDir(r *Registry, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		if _, err := LoadManifest(r, filepath.Join(dir, name)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// WatchManifests watches the manifest directory and, on any change,
// reloads manifests and invalidates the loader's schema cache. Returns a
// stop function.
func (l *Loader) WatchManifests(dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if _, err := LoadManifestDir(l.registry, dir); err != nil {
					l.logger.Warn("manifest reload failed", map[string]interface{}{
						"dir":   dir,
						"error": err.Error(),
					})
					continue
				}
				l.InvalidateSchemaCache()
				l.logger.Info("capability manifests reloaded", map[string]interface{}{"dir": dir})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("manifest watcher error", map[string]interface{}{"error": err.Error()})
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
