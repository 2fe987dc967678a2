package schema

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named classes and the name of the root class. A registry
// is a value passed to whoever builds trees; there is no package-level
// default.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]*Class
	root    string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		classes: make(map[string]*Class),
	}
}

// Register validates c and adds it under its name.
func (r *Registry) Register(c *Class) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("class must have a name")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[c.Name]; exists {
		return fmt.Errorf("class %q already registered", c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// AddDocuments compiles docs and registers every class they declare. Either
// all classes are added or none are.
func (r *Registry) AddDocuments(docs ...*Document) error {
	classes, root, err := compile(docs, r.Class)
	if err != nil {
		return err
	}
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range classes {
		if _, exists := r.classes[c.Name]; exists {
			return fmt.Errorf("class %q already registered", c.Name)
		}
	}
	if root != "" && r.root != "" && r.root != root {
		return fmt.Errorf("root already set to %q", r.root)
	}
	for _, c := range classes {
		r.classes[c.Name] = c
	}
	if root != "" {
		r.root = root
	}
	return nil
}

// Class returns the class registered under name.
func (r *Registry) Class(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.classes[name]
	return c, ok
}

// Names returns all class names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.classes))
	for name := range r.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetRoot selects the root class.
func (r *Registry) SetRoot(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.classes[name]; !ok {
		return fmt.Errorf("unknown class %q", name)
	}
	r.root = name
	return nil
}

// Root returns the root class.
func (r *Registry) Root() (*Class, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.root == "" {
		return nil, fmt.Errorf("no root class selected")
	}
	c, ok := r.classes[r.root]
	if !ok {
		return nil, fmt.Errorf("root class %q is not registered", r.root)
	}
	return c, nil
}
