package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// Node mirrors one node of the remote tree. It holds no state of its own:
// every read and write goes to the authority with the node's full path.
//
// A Node is a composite (Class set) or a property leaf (Property set).
// Composite children are built eagerly when the node is built; members of
// named collections are built on first lookup.
type Node struct {
	session *Session
	path    path.Path
	parent  *Node

	name     string
	instance string
	class    *schema.Class
	prop     *schema.Property

	children    map[string]*Node
	collections map[string]*NamedProxy
	commands    map[string]*Command

	// collection and state are set on collection members only.
	collection *NamedProxy
	state      Lifecycle
}

// NewRoot validates class and builds the proxy tree for it over s.
func NewRoot(s *Session, class *schema.Class) (*Node, error) {
	if err := class.Validate(); err != nil {
		return nil, NewSchemaError("invalid schema", err)
	}
	n := &Node{session: s, path: path.Root(), class: class, name: class.Name}
	n.build()
	return n, nil
}

func (n *Node) build() {
	n.children = make(map[string]*Node)
	n.collections = make(map[string]*NamedProxy)
	n.commands = make(map[string]*Command)

	for _, ch := range n.class.Children {
		switch ch.Kind {
		case schema.KindProperty:
			n.children[ch.Name] = &Node{
				session: n.session,
				path:    n.path.Child(ch.Name),
				parent:  n,
				name:    ch.Name,
				prop:    ch.Property,
			}
		case schema.KindComposite:
			child := &Node{
				session: n.session,
				path:    n.path.Child(ch.Name),
				parent:  n,
				name:    ch.Name,
				class:   ch.Class,
			}
			child.build()
			n.children[ch.Name] = child
		case schema.KindCollection:
			n.collections[ch.Name] = newNamedProxy(n, ch.Name, ch.Class)
		case schema.KindCommand:
			n.commands[ch.Name] = &Command{
				owner: n,
				name:  ch.Name,
				decl:  ch.Command,
				path:  n.path.Child(ch.Name),
			}
		}
	}
}

// Path returns the node's current path.
func (n *Node) Path() path.Path {
	return n.path
}

// Name returns the child name of the node, or its instance name for a
// collection member.
func (n *Node) Name() string {
	if n.collection != nil {
		return n.instance
	}
	return n.name
}

// Class returns the class of a composite node, nil for leaves.
func (n *Node) Class() *schema.Class {
	return n.class
}

// Property returns the declaration of a leaf node, nil for composites.
func (n *Node) Property() *schema.Property {
	return n.prop
}

// IsLeaf reports whether the node is a property leaf.
func (n *Node) IsLeaf() bool {
	return n.prop != nil
}

// Parent returns the enclosing node, nil at the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// Session returns the session the node belongs to.
func (n *Node) Session() *Session {
	return n.session
}

// Lifecycle returns the member state of a collection member. Other nodes
// are always Bound.
func (n *Node) Lifecycle() Lifecycle {
	if n.collection == nil {
		return Bound
	}
	return n.state
}

// check fails when the node, or a member it belongs to, was deleted.
func (n *Node) check(op Operation) error {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.collection != nil && cur.state == Deleted {
			return NewNotFoundError("member was deleted", nil).
				WithCode(ErrCodeDeleted).
				WithPath(n.path).
				WithOperation(string(op))
		}
	}
	return nil
}

// Read returns the node's value from the authority. Leaf values are
// coerced to the declared type when possible.
func (n *Node) Read(ctx context.Context) (Value, error) {
	if err := n.check(OpRead); err != nil {
		return nil, err
	}
	v, err := n.session.read(ctx, n.path)
	if err != nil {
		return nil, err
	}
	if n.prop != nil {
		return normalizeLeaf(n.prop, v), nil
	}
	return normalizeState(n.class, v), nil
}

// Write sends v to the authority. Declared constraints are checked first;
// a value that fails them, or a write to a read-only leaf, never reaches
// the authority.
func (n *Node) Write(ctx context.Context, v Value) error {
	if err := n.check(OpWrite); err != nil {
		return err
	}

	var payload Value
	var err error
	if n.prop != nil {
		if n.prop.ReadOnly {
			return NewReadOnlyError("property is read-only", nil).
				WithPath(n.path).
				WithOperation(string(OpWrite))
		}
		payload, err = n.prop.CheckStatic(v)
		if err != nil {
			n.session.metrics().RecordValidationFailure(constraintCode(err))
			return constraintError("invalid value", err).
				WithPath(n.path).
				WithOperation(string(OpWrite))
		}
	} else {
		payload, err = checkState(n.class, v, n.path, n.collection != nil)
		if err != nil {
			if IsValidation(err) {
				n.session.metrics().RecordValidationFailure(constraintCode(err))
			}
			return err
		}
	}

	if err := n.session.write(ctx, n.path, payload); err != nil {
		return err
	}
	n.bind()
	return nil
}

// bind marks every unbound member on the way to the root as bound: a write
// below a member creates the member on the remote side.
func (n *Node) bind() {
	for cur := n; cur != nil; cur = cur.parent {
		if cur.collection != nil && cur.state == Unbound {
			cur.state = Bound
			_ = n.session.events().PublishMemberBound(n.session.id, cur.path.String())
		}
	}
}

// ChildNames asks the authority for the node's children.
func (n *Node) ChildNames(ctx context.Context) ([]string, error) {
	if err := n.check(OpChildren); err != nil {
		return nil, err
	}
	return n.session.childNames(ctx, n.path)
}

// Children returns the declared names of every child in declaration
// order.
func (n *Node) Children() []string {
	if n.class == nil {
		return nil
	}
	names := make([]string, 0, len(n.class.Children))
	for _, ch := range n.class.Children {
		names = append(names, ch.Name)
	}
	return names
}

// Child returns the composite or property child with the given name.
func (n *Node) Child(name string) (*Node, error) {
	if c, ok := n.children[name]; ok {
		return c, nil
	}
	return nil, n.missing(name, "no such child")
}

// Collection returns the named collection child with the given name.
func (n *Node) Collection(name string) (*NamedProxy, error) {
	if c, ok := n.collections[name]; ok {
		return c, nil
	}
	return nil, n.missing(name, "no such collection")
}

// Command returns the command child with the given name.
func (n *Node) Command(name string) (*Command, error) {
	if c, ok := n.commands[name]; ok {
		return c, nil
	}
	return nil, n.missing(name, "no such command")
}

func (n *Node) missing(name, msg string) error {
	return NewNotFoundError(fmt.Sprintf("%s %q", msg, name), nil).WithPath(n.path.Child(name))
}

// Resolve walks rel from n. Named segments look members up in collections
// (creating unbound members as Get does); other segments select children.
func (n *Node) Resolve(rel path.Path) (*Node, error) {
	cur := n
	for _, seg := range rel.Segments() {
		if seg.Named() {
			coll, err := cur.Collection(seg.Name)
			if err != nil {
				return nil, err
			}
			if cur, err = coll.Get(seg.Instance); err != nil {
				return nil, err
			}
			continue
		}
		next, err := cur.Child(seg.Name)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// ResolveCollection resolves the parent of rel and returns the collection
// named by its last segment.
func (n *Node) ResolveCollection(rel path.Path) (*NamedProxy, error) {
	last, ok := rel.Last()
	if !ok || last.Named() {
		return nil, NewNotFoundError("path does not name a collection", nil).WithPath(rel)
	}
	owner, err := n.Resolve(rel.Parent())
	if err != nil {
		return nil, err
	}
	return owner.Collection(last.Name)
}

// ResolveCommand resolves the parent of rel and returns the command named
// by its last segment.
func (n *Node) ResolveCommand(rel path.Path) (*Command, error) {
	last, ok := rel.Last()
	if !ok || last.Named() {
		return nil, NewNotFoundError("path does not name a command", nil).WithPath(rel)
	}
	owner, err := n.Resolve(rel.Parent())
	if err != nil {
		return nil, err
	}
	return owner.Command(last.Name)
}

// Rename changes the instance name of a collection member.
func (n *Node) Rename(ctx context.Context, newName string) error {
	if n.collection == nil {
		return NewValidationError("only collection members can be renamed", nil).
			WithPath(n.path).
			WithOperation(string(OpRename))
	}
	return n.collection.Rename(ctx, n.instance, newName)
}

// rebind recomputes the paths of n and everything below it from the
// parent's path.
func (n *Node) rebind() {
	switch {
	case n.parent == nil:
	case n.collection != nil:
		n.path = n.parent.path.Member(n.collection.name, n.instance)
	default:
		n.path = n.parent.path.Child(n.name)
	}
	for _, c := range n.children {
		c.rebind()
	}
	for _, coll := range n.collections {
		coll.rebind()
	}
	for _, cmd := range n.commands {
		cmd.path = n.path.Child(cmd.name)
	}
}

// checkState validates a state map against class: keys must be declared,
// leaf values must satisfy their static constraints and read-only leaves
// may not appear. member allows the injected "name" key even when the
// class does not declare it.
func checkState(class *schema.Class, v Value, at path.Path, member bool) (Value, error) {
	if v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]Value)
	if !ok {
		cv, err := schema.Coerce(schema.TypeMap, v)
		if err != nil {
			return nil, constraintError("composite state must be a map", err).WithPath(at)
		}
		m = cv.(map[string]Value)
	}

	out := make(map[string]Value, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		val := m[k]
		ch, ok := class.Child(k)
		if !ok {
			if member && k == schema.NameChild {
				out[k] = val
				continue
			}
			return nil, NewValidationError(fmt.Sprintf("unknown child %q", k), nil).WithPath(at.Child(k))
		}
		switch ch.Kind {
		case schema.KindProperty:
			if ch.Property.ReadOnly && !(member && k == schema.NameChild) {
				return nil, NewReadOnlyError("property is read-only", nil).WithPath(at.Child(k))
			}
			cv, err := ch.Property.CheckStatic(val)
			if err != nil {
				return nil, constraintError("invalid value", err).WithPath(at.Child(k))
			}
			out[k] = cv
		case schema.KindComposite:
			cv, err := checkState(ch.Class, val, at.Child(k), false)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		case schema.KindCollection:
			members, ok := val.(map[string]Value)
			if !ok {
				return nil, NewValidationError("collection state must be a map of members", nil).WithPath(at.Child(k))
			}
			cm := make(map[string]Value, len(members))
			for name, sub := range members {
				cv, err := checkState(ch.Class, sub, at.Member(k, name), true)
				if err != nil {
					return nil, err
				}
				cm[name] = cv
			}
			out[k] = cm
		case schema.KindCommand:
			return nil, NewValidationError("commands carry no state", nil).WithPath(at.Child(k))
		}
	}
	return out, nil
}

// normalizeLeaf coerces a value read from the authority to the declared
// type, keeping it unchanged when it does not convert.
func normalizeLeaf(p *schema.Property, v Value) Value {
	if v == nil {
		return nil
	}
	cv, err := schema.Coerce(p.Type, v)
	if err != nil {
		return v
	}
	return cv
}

func normalizeState(class *schema.Class, v Value) Value {
	m, ok := v.(map[string]Value)
	if !ok || class == nil {
		return v
	}
	out := make(map[string]Value, len(m))
	for k, val := range m {
		ch, ok := class.Child(k)
		if !ok {
			out[k] = val
			continue
		}
		switch ch.Kind {
		case schema.KindProperty:
			out[k] = normalizeLeaf(ch.Property, val)
		case schema.KindComposite:
			out[k] = normalizeState(ch.Class, val)
		case schema.KindCollection:
			members, ok := val.(map[string]Value)
			if !ok {
				out[k] = val
				continue
			}
			cm := make(map[string]Value, len(members))
			for name, sub := range members {
				cm[name] = normalizeState(ch.Class, sub)
			}
			out[k] = cm
		default:
			out[k] = val
		}
	}
	return out
}
