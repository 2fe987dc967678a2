package tree

import (
	"context"
	"fmt"
	"strings"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// NamedProxy mirrors a remote named collection. Members are created
// locally on first lookup and remotely on their first write.
//
// Once a name is deleted, Get and any held handle report not found. Set is
// an explicit create and starts a new member under that name.
type NamedProxy struct {
	owner *Node
	name  string
	class *schema.Class
	path  path.Path

	members map[string]*Node
	order   []string
	deleted map[string]bool
}

func newNamedProxy(owner *Node, name string, class *schema.Class) *NamedProxy {
	return &NamedProxy{
		owner:   owner,
		name:    name,
		class:   class,
		path:    owner.path.Child(name),
		members: make(map[string]*Node),
		deleted: make(map[string]bool),
	}
}

// Path returns the collection path.
func (c *NamedProxy) Path() path.Path {
	return c.path
}

// Class returns the member class.
func (c *NamedProxy) Class() *schema.Class {
	return c.class
}

// Get returns the member with the given name, building an unbound member
// if the name has not been seen. No remote call is made.
func (c *NamedProxy) Get(name string) (*Node, error) {
	if err := c.owner.check(OpRead); err != nil {
		return nil, err
	}
	if err := checkInstanceName(name, c.path); err != nil {
		return nil, err
	}
	if c.deleted[name] {
		return nil, NewNotFoundError(fmt.Sprintf("member %q was deleted", name), nil).
			WithCode(ErrCodeDeleted).
			WithPath(c.memberPath(name))
	}
	if m, ok := c.members[name]; ok {
		return m, nil
	}
	return c.add(name), nil
}

func (c *NamedProxy) add(name string) *Node {
	m := &Node{
		session:    c.owner.session,
		path:       c.memberPath(name),
		parent:     c.owner,
		name:       c.name,
		instance:   name,
		class:      c.class,
		collection: c,
		state:      Unbound,
	}
	m.build()
	c.members[name] = m
	c.order = append(c.order, name)
	return m
}

// Set writes v to the member with the given name, creating it on the
// remote side if needed. When v is nil or an empty map the payload is
// {"name": name}, so the authority learns the instance name.
func (c *NamedProxy) Set(ctx context.Context, name string, v Value) error {
	if err := c.owner.check(OpWrite); err != nil {
		return err
	}
	if err := checkInstanceName(name, c.path); err != nil {
		return err
	}
	if c.deleted[name] {
		delete(c.deleted, name)
	}
	m, ok := c.members[name]
	if !ok {
		m = c.add(name)
	}
	return m.Write(ctx, injectName(name, v))
}

func injectName(name string, v Value) Value {
	if v == nil {
		return map[string]Value{schema.NameChild: name}
	}
	if m, ok := v.(map[string]Value); ok && len(m) == 0 {
		return map[string]Value{schema.NameChild: name}
	}
	return v
}

// Delete removes the member on the remote side, then locally. A member
// that was never written is removed locally only. Handles to it report not
// found from then on.
func (c *NamedProxy) Delete(ctx context.Context, name string) error {
	if err := c.owner.check(OpDelete); err != nil {
		return err
	}
	p := c.memberPath(name)
	if c.deleted[name] {
		return NewNotFoundError(fmt.Sprintf("member %q was deleted", name), nil).
			WithCode(ErrCodeDeleted).
			WithPath(p)
	}

	m, ok := c.members[name]
	if !ok || m.state != Unbound {
		if err := c.owner.session.deleteMember(ctx, p); err != nil {
			return err
		}
	}

	if ok {
		m.state = Deleted
		delete(c.members, name)
		c.order = removeName(c.order, name)
	}
	c.deleted[name] = true
	_ = c.owner.session.events().PublishMemberDeleted(c.owner.session.id, p.String())
	return nil
}

// Rename changes a member's instance name. Members that were never written
// are renamed locally only.
func (c *NamedProxy) Rename(ctx context.Context, oldName, newName string) error {
	if err := c.owner.check(OpRename); err != nil {
		return err
	}
	if err := checkInstanceName(newName, c.path); err != nil {
		return err
	}
	if c.deleted[oldName] {
		return NewNotFoundError(fmt.Sprintf("member %q was deleted", oldName), nil).
			WithCode(ErrCodeDeleted).
			WithPath(c.memberPath(oldName))
	}
	if oldName == newName {
		return nil
	}
	if _, exists := c.members[newName]; exists {
		return NewValidationError(fmt.Sprintf("member %q already exists", newName), nil).
			WithCode(ErrCodeAlreadyExists).
			WithPath(c.memberPath(newName))
	}

	// A name not seen locally may still exist remotely; it is tracked only
	// once the authority accepts the rename.
	m, seen := c.members[oldName]
	from := c.memberPath(oldName)
	if !seen || m.state == Bound {
		if err := c.owner.session.renameMember(ctx, from, newName); err != nil {
			return err
		}
	}
	if !seen {
		m = c.add(oldName)
		m.state = Bound
	}

	delete(c.members, oldName)
	delete(c.deleted, newName)
	c.members[newName] = m
	for i, n := range c.order {
		if n == oldName {
			c.order[i] = newName
		}
	}
	m.instance = newName
	m.rebind()
	_ = c.owner.session.events().PublishMemberRenamed(c.owner.session.id, from.String(), m.path.String())
	return nil
}

// Names asks the authority for the member names, in creation order.
func (c *NamedProxy) Names(ctx context.Context) ([]string, error) {
	if err := c.owner.check(OpChildren); err != nil {
		return nil, err
	}
	return c.owner.session.childNames(ctx, c.path)
}

// Known returns the names of members looked up or created through this
// proxy, in insertion order.
func (c *NamedProxy) Known() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Read returns the state of the whole collection from the authority.
func (c *NamedProxy) Read(ctx context.Context) (Value, error) {
	if err := c.owner.check(OpRead); err != nil {
		return nil, err
	}
	v, err := c.owner.session.read(ctx, c.path)
	if err != nil {
		return nil, err
	}
	members, ok := v.(map[string]Value)
	if !ok {
		return v, nil
	}
	out := make(map[string]Value, len(members))
	for name, sub := range members {
		out[name] = normalizeState(c.class, sub)
	}
	return out, nil
}

func (c *NamedProxy) rebind() {
	c.path = c.owner.path.Child(c.name)
	for _, m := range c.members {
		m.rebind()
	}
}

func checkInstanceName(name string, at path.Path) error {
	if name == "" {
		return NewValidationError("member name must not be empty", nil).WithPath(at)
	}
	if strings.ContainsAny(name, path.Separator+path.InstanceSeparator) {
		return NewValidationError(fmt.Sprintf("member name %q contains a path separator", name), nil).WithPath(at)
	}
	return nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func (c *NamedProxy) memberPath(name string) path.Path {
	return c.owner.path.Member(c.name, name)
}
