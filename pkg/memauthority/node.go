package memauthority

import (
	"fmt"
	"sort"
	"strings"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/tree"
)

// node is the stored state of one composite.
type node struct {
	class    *schema.Class
	parent   *node
	instance string // set on collection members
	values   map[string]tree.Value
	objects  map[string]*node
	colls    map[string]*collection
}

func newNode(class *schema.Class, parent *node) *node {
	n := &node{
		class:   class,
		parent:  parent,
		values:  make(map[string]tree.Value),
		objects: make(map[string]*node),
		colls:   make(map[string]*collection),
	}
	for _, ch := range class.Children {
		switch ch.Kind {
		case schema.KindComposite:
			n.objects[ch.Name] = newNode(ch.Class, n)
		case schema.KindCollection:
			n.colls[ch.Name] = &collection{
				class:   ch.Class,
				owner:   n,
				members: make(map[string]*node),
			}
		}
	}
	return n
}

// available evaluates the availability predicate of child name. A failing
// predicate hides the child.
func (n *node) available(name string) bool {
	ch, ok := n.class.Child(name)
	if !ok {
		return false
	}
	if ch.Available == nil {
		return true
	}
	ok, err := ch.Available.Eval(&scope{node: n})
	return err == nil && ok
}

// value returns the stored value of property name, else its derived value,
// else its default.
func (n *node) value(name string) (tree.Value, error) {
	if v, ok := n.values[name]; ok {
		return v, nil
	}
	ch, ok := n.class.Child(name)
	if !ok || ch.Kind != schema.KindProperty {
		return nil, fmt.Errorf("%q is not a property", name)
	}
	p := ch.Property
	if p.Derive == nil {
		return p.Default, nil
	}
	v, err := p.Derive.Eval(&scope{node: n, self: name})
	if err != nil {
		return nil, ruleFailed(name, err)
	}
	if v == nil {
		return nil, nil
	}
	cv, err := schema.Coerce(p.Type, v)
	if err != nil {
		return nil, ruleFailed(name, err)
	}
	return cv, nil
}

// bounds returns the current range of property name.
func (n *node) bounds(name string) (*schema.Range, error) {
	ch, ok := n.class.Child(name)
	if !ok || ch.Kind != schema.KindProperty {
		return nil, fmt.Errorf("%q is not a property", name)
	}
	p := ch.Property
	if p.RangeRule == nil {
		return p.Range, nil
	}
	v, err := p.RangeRule.Eval(&scope{node: n, self: name})
	if err != nil {
		return nil, ruleFailed(name, err)
	}
	r, err := schema.ToRange(v)
	if err != nil {
		return nil, ruleFailed(name, err)
	}
	return r, nil
}

// allowed returns the current allowed values of property name.
func (n *node) allowed(name string) ([]tree.Value, error) {
	ch, ok := n.class.Child(name)
	if !ok || ch.Kind != schema.KindProperty {
		return nil, fmt.Errorf("%q is not a property", name)
	}
	p := ch.Property
	if p.AllowedValuesRule == nil {
		return p.AllowedValues, nil
	}
	v, err := p.AllowedValuesRule.Eval(&scope{node: n, self: name})
	if err != nil {
		return nil, ruleFailed(name, err)
	}
	var out []tree.Value
	for _, e := range schema.Elements(v) {
		ce, err := schema.Coerce(p.Type.Elem(), e)
		if err != nil {
			return nil, ruleFailed(name, err)
		}
		out = append(out, ce)
	}
	return out, nil
}

// set validates v against the current constraints of property name and
// stores it. Stored values of sibling properties derived from name are
// dropped so they are derived again.
func (n *node) set(name string, v tree.Value, at path.Path) error {
	ch, _ := n.class.Child(name)
	p := ch.Property
	if p.ReadOnly {
		return tree.NewReadOnlyError("property is read-only", nil).WithPath(at)
	}
	if !n.available(name) {
		return unavailable(name, at)
	}

	cv, err := schema.Coerce(p.Type, v)
	if err != nil {
		return invalid(err, at)
	}
	r, err := n.bounds(name)
	if err != nil {
		return err
	}
	if r != nil {
		if err := schema.CheckRange(cv, *r); err != nil {
			return invalid(err, at)
		}
	}
	allowed, err := n.allowed(name)
	if err != nil {
		return err
	}
	if len(allowed) > 0 {
		if err := schema.CheckAllowed(cv, allowed); err != nil {
			return invalid(err, at)
		}
	}

	n.values[name] = cv
	n.forget(name, map[string]bool{name: true})
	return nil
}

// forget drops stored values of properties whose derivation depends on
// name, transitively within the node.
func (n *node) forget(name string, seen map[string]bool) {
	for _, ch := range n.class.Children {
		if ch.Kind != schema.KindProperty || ch.Property.Derive == nil || seen[ch.Name] {
			continue
		}
		for _, dep := range ch.Property.Derive.DependsOn {
			if dep == name {
				seen[ch.Name] = true
				delete(n.values, ch.Name)
				n.forget(ch.Name, seen)
				break
			}
		}
	}
}

// state returns the values of every available child. Unset properties
// without default or derivation are omitted.
func (n *node) state() (map[string]tree.Value, error) {
	out := make(map[string]tree.Value)
	for _, ch := range n.class.Children {
		if !n.available(ch.Name) {
			continue
		}
		switch ch.Kind {
		case schema.KindProperty:
			v, err := n.value(ch.Name)
			if err != nil {
				return nil, err
			}
			if v != nil {
				out[ch.Name] = v
			}
		case schema.KindComposite:
			sub, err := n.objects[ch.Name].state()
			if err != nil {
				return nil, err
			}
			out[ch.Name] = sub
		case schema.KindCollection:
			sub, err := n.colls[ch.Name].state()
			if err != nil {
				return nil, err
			}
			out[ch.Name] = sub
		}
	}
	return out, nil
}

// apply writes a partial state. Unknown keys fail before anything is
// written; known keys are applied in declaration order.
func (n *node) apply(v tree.Value, at path.Path) error {
	partial, err := asMap(v, at)
	if err != nil {
		return err
	}
	if n.instance != "" {
		// The instance name is authoritative; a name entry only echoes it.
		delete(partial, schema.NameChild)
	}
	for k := range partial {
		if _, ok := n.class.Child(k); ok {
			continue
		}
		if isAttributeKey(k) {
			continue
		}
		return tree.NewValidationError(fmt.Sprintf("unknown child %q", k), nil).WithPath(at.Child(k))
	}

	for _, ch := range n.class.Children {
		val, ok := partial[ch.Name]
		if !ok {
			continue
		}
		child := at.Child(ch.Name)
		switch ch.Kind {
		case schema.KindProperty:
			if err := n.set(ch.Name, val, child); err != nil {
				return err
			}
		case schema.KindComposite:
			if !n.available(ch.Name) {
				return unavailable(ch.Name, child)
			}
			if err := n.objects[ch.Name].apply(val, child); err != nil {
				return err
			}
		case schema.KindCollection:
			if !n.available(ch.Name) {
				return unavailable(ch.Name, child)
			}
			if err := n.colls[ch.Name].apply(val, child); err != nil {
				return err
			}
		case schema.KindCommand:
			return tree.NewValidationError("commands carry no state", nil).WithPath(child)
		}
	}
	return nil
}

// collection is the stored state of a named collection.
type collection struct {
	class   *schema.Class
	owner   *node
	order   []string
	members map[string]*node
}

// add creates a member. Members whose class declares a name property get
// their instance name stored in it.
func (c *collection) add(name string) *node {
	m := newNode(c.class, c.owner)
	m.instance = name
	if _, ok := c.class.NameProperty(); ok {
		m.values[schema.NameChild] = name
	}
	c.members[name] = m
	c.order = append(c.order, name)
	return m
}

func (c *collection) remove(name string) {
	delete(c.members, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *collection) rename(from, to string) {
	m := c.members[from]
	delete(c.members, from)
	c.members[to] = m
	m.instance = to
	for i, n := range c.order {
		if n == from {
			c.order[i] = to
			break
		}
	}
	if _, ok := c.class.NameProperty(); ok {
		m.values[schema.NameChild] = to
	}
}

func (c *collection) state() (map[string]tree.Value, error) {
	out := make(map[string]tree.Value, len(c.members))
	for _, name := range c.order {
		sub, err := c.members[name].state()
		if err != nil {
			return nil, err
		}
		out[name] = sub
	}
	return out, nil
}

// apply writes the members of v in name order, creating missing ones.
func (c *collection) apply(v tree.Value, at path.Path) error {
	members, err := asMap(v, at)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	last, _ := at.Last()
	for _, name := range names {
		m, ok := c.members[name]
		if !ok {
			m = c.add(name)
		}
		if err := m.apply(members[name], at.Parent().Member(last.Name, name)); err != nil {
			return err
		}
	}
	return nil
}

func asMap(v tree.Value, at path.Path) (map[string]tree.Value, error) {
	if v == nil {
		return map[string]tree.Value{}, nil
	}
	cv, err := schema.Coerce(schema.TypeMap, v)
	if err != nil {
		return nil, invalid(err, at)
	}
	m := cv.(map[string]tree.Value)
	out := make(map[string]tree.Value, len(m))
	for k, e := range m {
		out[k] = e
	}
	return out, nil
}

func isAttributeKey(k string) bool {
	return strings.HasSuffix(k, ".range") || strings.HasSuffix(k, ".allowed_values")
}

func invalid(err error, at path.Path) *tree.Error {
	e := tree.NewValidationError("invalid value", err).WithPath(at)
	if ce, ok := err.(*schema.ConstraintError); ok {
		e.WithDetail("constraint", ce.Code)
	}
	return e
}

func unavailable(name string, at path.Path) *tree.Error {
	return tree.NewValidationError(fmt.Sprintf("child %q is not available", name), nil).
		WithCode(tree.ErrCodeUnavailable).
		WithPath(at)
}

func ruleFailed(name string, err error) error {
	if _, ok := err.(*tree.Error); ok {
		return err
	}
	return tree.NewSchemaError(fmt.Sprintf("rule of %q failed", name), err).
		WithCode(tree.ErrCodeRuleFailed)
}
