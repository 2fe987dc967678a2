package tree

import (
	"fmt"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// Container is a local named collection of composites of one class.
//
// Get builds a default member on first lookup. If the member class declares
// a "name" property, it is set to the instance name when the member is
// built. Deleted names behave as in NamedProxy: Get and held handles report
// not found, Set creates a new member.
type Container struct {
	owner *Composite
	name  string
	class *schema.Class

	members map[string]*Composite
	order   []string
	deleted map[string]bool
}

func newContainer(owner *Composite, name string, class *schema.Class) *Container {
	return &Container{
		owner:   owner,
		name:    name,
		class:   class,
		members: make(map[string]*Composite),
		deleted: make(map[string]bool),
	}
}

// Name returns the child name of the container.
func (c *Container) Name() string {
	return c.name
}

// Path returns the container's location in the local tree.
func (c *Container) Path() path.Path {
	return c.owner.Path().Child(c.name)
}

// Class returns the member class.
func (c *Container) Class() *schema.Class {
	return c.class
}

// Get returns the member with the given name, building a default one if
// the name has not been seen.
func (c *Container) Get(name string) (*Composite, error) {
	if err := c.owner.check(); err != nil {
		return nil, err
	}
	if err := checkInstanceName(name, c.Path()); err != nil {
		return nil, err
	}
	if c.deleted[name] {
		return nil, NewNotFoundError(fmt.Sprintf("member %q was deleted", name), nil).
			WithCode(ErrCodeDeleted).
			WithPath(c.owner.Path().Member(c.name, name))
	}
	if m, ok := c.members[name]; ok {
		return m, nil
	}
	return c.add(name)
}

func (c *Container) add(name string) (*Composite, error) {
	m := newComposite(c.owner.env, c.class, c.owner, name)
	m.container = c
	m.state = Unbound
	if err := m.wire(); err != nil {
		return nil, err
	}
	if cell, ok := m.cells[schema.NameChild]; ok {
		cell.store(name)
	}
	c.members[name] = m
	c.order = append(c.order, name)
	return m, nil
}

// Set applies value to the member with the given name, creating it if
// needed. value must be nil or a map. A previously deleted name gets a
// new member.
func (c *Container) Set(name string, value Value) error {
	if err := c.owner.check(); err != nil {
		return err
	}
	if err := checkInstanceName(name, c.Path()); err != nil {
		return err
	}
	at := c.owner.Path().Member(c.name, name)
	state, err := asState(value, at)
	if err != nil {
		return err
	}

	delete(c.deleted, name)
	m, ok := c.members[name]
	if !ok {
		if m, err = c.add(name); err != nil {
			return err
		}
	}
	// The member already carries its own name.
	if n, ok := state[schema.NameChild]; ok && schema.Equal(n, name) {
		if _, declared := m.cells[schema.NameChild]; declared {
			state = withoutKey(state, schema.NameChild)
		}
	}
	if err := m.Update(state); err != nil {
		return err
	}
	m.state = Bound
	return nil
}

func withoutKey(m map[string]Value, key string) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Delete removes the member. Its cells stop listening to cells outside the
// member.
func (c *Container) Delete(name string) error {
	if err := c.owner.check(); err != nil {
		return err
	}
	m, ok := c.members[name]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("no member %q", name), nil).
			WithPath(c.owner.Path().Member(c.name, name))
	}
	m.detach()
	m.state = Deleted
	delete(c.members, name)
	c.order = removeName(c.order, name)
	c.deleted[name] = true
	return nil
}

// Rename changes a member's instance name, and its "name" property if it
// declares one.
func (c *Container) Rename(oldName, newName string) error {
	if err := c.owner.check(); err != nil {
		return err
	}
	if err := checkInstanceName(newName, c.Path()); err != nil {
		return err
	}
	m, ok := c.members[oldName]
	if !ok {
		return NewNotFoundError(fmt.Sprintf("no member %q", oldName), nil).
			WithPath(c.owner.Path().Member(c.name, oldName))
	}
	if oldName == newName {
		return nil
	}
	if _, exists := c.members[newName]; exists {
		return NewValidationError(fmt.Sprintf("member %q already exists", newName), nil).
			WithCode(ErrCodeAlreadyExists).
			WithPath(c.owner.Path().Member(c.name, newName))
	}

	delete(c.members, oldName)
	delete(c.deleted, newName)
	c.members[newName] = m
	for i, n := range c.order {
		if n == oldName {
			c.order[i] = newName
		}
	}
	m.name = newName
	if cell, ok := m.cells[schema.NameChild]; ok {
		cell.store(newName)
		cell.notify()
	}
	return nil
}

// Names returns member names in insertion order.
func (c *Container) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of members.
func (c *Container) Len() int {
	return len(c.order)
}

// State returns the state of every member keyed by name.
func (c *Container) State(includeAttributes bool) (map[string]Value, error) {
	out := make(map[string]Value, len(c.order))
	for _, name := range c.order {
		s, err := c.members[name].State(includeAttributes)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

// detach drops the subscriptions of every cell in the subtree.
func (c *Composite) detach() {
	for _, cell := range c.cells {
		cell.detach()
	}
	for _, child := range c.composites {
		child.detach()
	}
	for _, cont := range c.containers {
		for _, m := range cont.members {
			m.detach()
		}
	}
}
