// Package capability manages the callable capabilities an agent can use:
// a registry of tagged function descriptors and a loader that moves
// capability groups in and out of the prompt under a token ceiling.
package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Parameter declares one capability parameter in call order.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// InvokeFunc executes a capability with strictly positional arguments.
type InvokeFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// Descriptor is a tagged function descriptor: name, declared parameter
// order, and an invoke closure. Resolution is by exact name lookup, not
// reflection.
type Descriptor struct {
	Name        string
	Group       string
	Description string
	Parameters  []Parameter
	Invoke      InvokeFunc
}

// ParameterNames returns the declared parameter names in order.
func (d *Descriptor) ParameterNames() []string {
	names := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		names[i] = p.Name
	}
	return names
}

// Invoker is the external capability-invocation collaborator, used for
// descriptors that have no in-process closure (e.g. manifest-declared
// capabilities served by a remote executor).
type Invoker interface {
	Invoke(ctx context.Context, functionName string, positionalArgs []interface{}) (interface{}, error)
}

// Registry holds capability descriptors grouped by loadable unit.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	byGroup map[string][]*Descriptor
	invoker Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Descriptor),
		byGroup: make(map[string][]*Descriptor),
	}
}

// SetInvoker sets the fallback invoker for descriptors without a closure.
func (r *Registry) SetInvoker(inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoker = inv
}

// Register adds a descriptor. Registering an existing name replaces it.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("capability descriptor requires a name")
	}
	if d.Group == "" {
		return fmt.Errorf("capability %s requires a group", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byName[d.Name]; ok {
		r.removeFromGroup(old)
	}
	r.byName[d.Name] = d
	r.byGroup[d.Group] = append(r.byGroup[d.Group], d)
	return nil
}

func (r *Registry) removeFromGroup(d *Descriptor) {
	group := r.byGroup[d.Group]
	for i, existing := range group {
		if existing.Name == d.Name {
			r.byGroup[d.Group] = append(group[:i], group[i+1:]...)
			return
		}
	}
}

// Get resolves a descriptor by exact name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Group returns the descriptors of a group sorted by name.
func (r *Registry) Group(name string) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]*Descriptor(nil), r.byGroup[name]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Groups returns all known group names sorted.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byGroup))
	for g := range r.byGroup {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// HasGroup reports whether a group is registered.
func (r *Registry) HasGroup(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byGroup[name]
	return ok
}

// Call invokes a capability by name with positional arguments, using the
// descriptor closure or falling back to the registry invoker.
func (r *Registry) Call(ctx context.Context, name string, args []interface{}) (interface{}, error) {
	r.mu.RLock()
	d, ok := r.byName[name]
	inv := r.invoker
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown capability: %s", name)
	}
	if d.Invoke != nil {
		return d.Invoke(ctx, args)
	}
	if inv == nil {
		return nil, fmt.Errorf("capability %s has no invoker", name)
	}
	return inv.Invoke(ctx, name, args)
}

// RenderSchemas renders the prompt text describing a group's capabilities.
func RenderSchemas(group string, descriptors []*Descriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<tool-group name=%q>\n", group)
	for _, d := range descriptors {
		params := make([]string, len(d.Parameters))
		for i, p := range d.Parameters {
			typ := p.Type
			if typ == "" {
				typ = "any"
			}
			if p.Required {
				params[i] = fmt.Sprintf("%s: %s", p.Name, typ)
			} else {
				params[i] = fmt.Sprintf("%s: %s = None", p.Name, typ)
			}
		}
		fmt.Fprintf(&b, "def %s(%s)\n", d.Name, strings.Join(params, ", "))
		if d.Description != "" {
			fmt.Fprintf(&b, "    %s\n", d.Description)
		}
	}
	b.WriteString("</tool-group>")
	return b.String()
}
