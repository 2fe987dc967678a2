package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/telemetry"
)

// env is shared by every node of one local tree.
type env struct {
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// LocalOption configures a local tree.
type LocalOption func(*env)

// WithMetrics records invalidations, validation failures and rule
// evaluations of a local tree.
func WithMetrics(m *telemetry.Metrics) LocalOption {
	return func(e *env) {
		e.metrics = m
	}
}

// WithLocalLogger sets the logger a local tree reports rule failures to.
func WithLocalLogger(logger zerolog.Logger) LocalOption {
	return func(e *env) {
		e.logger = logger
	}
}

// Composite is a local node that owns cells, nested composites,
// containers and commands. The parent pointer is used for lookups only.
//
// Composites are not safe for concurrent use.
type Composite struct {
	env    *env
	class  *schema.Class
	parent *Composite
	name   string

	// container and state are set on container members only.
	container *Container
	state     Lifecycle

	cells      map[string]*Cell
	composites map[string]*Composite
	containers map[string]*Container
	commands   map[string]*LocalCommand
}

// NewComposite validates class and builds a local tree for it. Every
// declared child is built before NewComposite returns.
func NewComposite(class *schema.Class, opts ...LocalOption) (*Composite, error) {
	if err := class.Validate(); err != nil {
		return nil, NewSchemaError("invalid schema", err)
	}
	e := &env{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	root := newComposite(e, class, nil, class.Name)
	if err := root.wire(); err != nil {
		return nil, err
	}
	return root, nil
}

func newComposite(e *env, class *schema.Class, parent *Composite, name string) *Composite {
	c := &Composite{
		env:        e,
		class:      class,
		parent:     parent,
		name:       name,
		cells:      make(map[string]*Cell),
		composites: make(map[string]*Composite),
		containers: make(map[string]*Container),
		commands:   make(map[string]*LocalCommand),
	}
	for _, ch := range class.Children {
		switch ch.Kind {
		case schema.KindProperty:
			c.cells[ch.Name] = newCell(c, ch.Name, ch.Property)
		case schema.KindComposite:
			c.composites[ch.Name] = newComposite(e, ch.Class, c, ch.Name)
		case schema.KindCollection:
			c.containers[ch.Name] = newContainer(c, ch.Name, ch.Class)
		case schema.KindCommand:
			c.commands[ch.Name] = &LocalCommand{owner: c, name: ch.Name, decl: ch.Command}
		}
	}
	return c
}

// wire subscribes every cell below c to the cells its rules depend on, and
// checks that availability predicates resolve. It fails on a dependency
// that is not a cell or on a dependency cycle.
func (c *Composite) wire() error {
	var cells []*Cell
	var walk func(n *Composite) error
	walk = func(n *Composite) error {
		for _, ch := range n.class.Children {
			if ch.Available != nil {
				for _, dep := range ch.Available.DependsOn {
					if _, err := n.lookup(dep); err != nil {
						return NewSchemaError(fmt.Sprintf("availability of %q depends on unknown %q", ch.Name, dep), err).
							WithPath(n.Path())
					}
				}
			}
			switch ch.Kind {
			case schema.KindProperty:
				cell := n.cells[ch.Name]
				for _, rule := range ch.Property.Rules() {
					for _, dep := range rule.DependsOn {
						target, err := n.lookup(dep)
						if err != nil {
							return NewSchemaError(fmt.Sprintf("rule depends on unknown %q", dep), err).
								WithPath(cell.Path())
						}
						depCell, ok := target.(*Cell)
						if !ok {
							return NewSchemaError(fmt.Sprintf("rule dependency %q is not a property", dep), nil).
								WithPath(cell.Path())
						}
						cell.dependOn(depCell)
					}
				}
				cells = append(cells, cell)
			case schema.KindComposite:
				if err := walk(n.composites[ch.Name]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(c); err != nil {
		return err
	}
	return checkCycles(cells)
}

func checkCycles(cells []*Cell) error {
	const (
		visiting = 1
		visited  = 2
	)
	mark := make(map[*Cell]int)
	var visit func(c *Cell) error
	visit = func(c *Cell) error {
		switch mark[c] {
		case visiting:
			return NewSchemaError("dependency cycle", nil).WithPath(c.Path())
		case visited:
			return nil
		}
		mark[c] = visiting
		for _, d := range c.deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		mark[c] = visited
		return nil
	}
	for _, c := range cells {
		if err := visit(c); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the child name, or the instance name of a container
// member.
func (c *Composite) Name() string {
	return c.name
}

// Class returns the node's class.
func (c *Composite) Class() *schema.Class {
	return c.class
}

// Parent returns the enclosing composite, nil at the root.
func (c *Composite) Parent() *Composite {
	return c.parent
}

// Path returns the node's location in the local tree.
func (c *Composite) Path() path.Path {
	switch {
	case c.parent == nil:
		return path.Root()
	case c.container != nil:
		return c.parent.Path().Member(c.container.name, c.name)
	default:
		return c.parent.Path().Child(c.name)
	}
}

// Lifecycle returns the member state of a container member. Other
// composites are always Bound.
func (c *Composite) Lifecycle() Lifecycle {
	if c.container == nil {
		return Bound
	}
	return c.state
}

// check fails when c, or a member it belongs to, was deleted.
func (c *Composite) check() error {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.container != nil && cur.state == Deleted {
			return NewNotFoundError("member was deleted", nil).
				WithCode(ErrCodeDeleted).
				WithPath(c.Path())
		}
	}
	return nil
}

// Cell returns the property child with the given name.
func (c *Composite) Cell(name string) (*Cell, error) {
	if cell, ok := c.cells[name]; ok {
		return cell, nil
	}
	return nil, c.missing(name, "no such property")
}

// Composite returns the composite child with the given name.
func (c *Composite) Composite(name string) (*Composite, error) {
	if child, ok := c.composites[name]; ok {
		return child, nil
	}
	return nil, c.missing(name, "no such object")
}

// Container returns the collection child with the given name.
func (c *Composite) Container(name string) (*Container, error) {
	if child, ok := c.containers[name]; ok {
		return child, nil
	}
	return nil, c.missing(name, "no such collection")
}

// Command returns the command child with the given name.
func (c *Composite) Command(name string) (*LocalCommand, error) {
	if cmd, ok := c.commands[name]; ok {
		return cmd, nil
	}
	return nil, c.missing(name, "no such command")
}

func (c *Composite) missing(name, msg string) error {
	return NewNotFoundError(fmt.Sprintf("%s %q", msg, name), nil).WithPath(c.Path().Child(name))
}

// Available reports whether the named child is currently exposed. It is
// evaluated on every call. A predicate that fails to evaluate hides the
// child and is logged and counted; CheckAvailable returns the failure.
func (c *Composite) Available(name string) bool {
	ok, err := c.CheckAvailable(name)
	if err != nil {
		c.env.metrics.RecordRuleError("availability")
		c.env.logger.Warn().Err(err).Str("path", c.Path().Child(name).String()).Msg("availability rule failed")
		return false
	}
	return ok
}

// CheckAvailable is Available with the predicate's evaluation error.
func (c *Composite) CheckAvailable(name string) (bool, error) {
	ch, ok := c.class.Child(name)
	if !ok {
		return false, nil
	}
	if ch.Available == nil {
		return true, nil
	}
	c.env.metrics.RecordRuleEvaluation("availability")
	ok, err := ch.Available.Eval(&compositeScope{node: c})
	if err != nil {
		return false, NewSchemaError(fmt.Sprintf("availability rule of %q failed", name), err).
			WithCode(ErrCodeRuleFailed).
			WithPath(c.Path().Child(name))
	}
	return ok, nil
}

// State returns the values of every available child in declaration order.
// Unset cells are omitted. With includeAttributes, cells that declare a
// range or allowed values also contribute "<name>.range" and
// "<name>.allowed_values" entries.
func (c *Composite) State(includeAttributes bool) (map[string]Value, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	out := make(map[string]Value)
	for _, ch := range c.class.Children {
		if !c.Available(ch.Name) {
			continue
		}
		switch ch.Kind {
		case schema.KindProperty:
			cell := c.cells[ch.Name]
			v, err := cell.Value()
			if err != nil {
				return nil, err
			}
			if v != nil {
				out[ch.Name] = v
			}
			if !includeAttributes {
				continue
			}
			if ch.Property.HasRange() {
				r, err := cell.Range()
				if err != nil {
					return nil, err
				}
				if r != nil {
					out[ch.Name+".range"] = r.Slice()
				}
			}
			if ch.Property.HasAllowedValues() {
				allowed, err := cell.AllowedValues()
				if err != nil {
					return nil, err
				}
				out[ch.Name+".allowed_values"] = allowed
			}
		case schema.KindComposite:
			sub, err := c.composites[ch.Name].State(includeAttributes)
			if err != nil {
				return nil, err
			}
			out[ch.Name] = sub
		case schema.KindCollection:
			sub, err := c.containers[ch.Name].State(includeAttributes)
			if err != nil {
				return nil, err
			}
			out[ch.Name] = sub
		}
	}
	return out, nil
}

// Update applies a partial state. Keys are applied in declaration order,
// so a selector declared earlier takes effect before the keys that depend
// on it. Container entries are applied in name order. Unknown keys fail
// before anything is applied; attribute keys produced by State(true) are
// ignored.
func (c *Composite) Update(partial map[string]Value) error {
	if err := c.check(); err != nil {
		return err
	}
	for k := range partial {
		if _, ok := c.class.Child(k); ok {
			continue
		}
		if c.isAttributeKey(k) {
			continue
		}
		return NewValidationError(fmt.Sprintf("unknown child %q", k), nil).WithPath(c.Path().Child(k))
	}

	for _, ch := range c.class.Children {
		v, ok := partial[ch.Name]
		if !ok {
			continue
		}
		at := c.Path().Child(ch.Name)
		if !c.Available(ch.Name) {
			return NewValidationError(fmt.Sprintf("child %q is not available", ch.Name), nil).
				WithCode(ErrCodeUnavailable).
				WithPath(at)
		}
		switch ch.Kind {
		case schema.KindProperty:
			if err := c.cells[ch.Name].Set(v); err != nil {
				return err
			}
		case schema.KindComposite:
			sub, err := asState(v, at)
			if err != nil {
				return err
			}
			if err := c.composites[ch.Name].Update(sub); err != nil {
				return err
			}
		case schema.KindCollection:
			members, err := asState(v, at)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(members))
			for name := range members {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if err := c.containers[ch.Name].Set(name, members[name]); err != nil {
					return err
				}
			}
		case schema.KindCommand:
			return NewValidationError("commands carry no state", nil).WithPath(at)
		}
	}
	return nil
}

func (c *Composite) isAttributeKey(k string) bool {
	for _, suffix := range []string{".range", ".allowed_values"} {
		if name, ok := strings.CutSuffix(k, suffix); ok {
			if ch, ok := c.class.Child(name); ok && ch.Kind == schema.KindProperty {
				return true
			}
		}
	}
	return false
}

func asState(v Value, at path.Path) (map[string]Value, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]Value); ok {
		return m, nil
	}
	cv, err := schema.Coerce(schema.TypeMap, v)
	if err != nil {
		return nil, constraintError("expected a map", err).WithPath(at)
	}
	return cv.(map[string]Value), nil
}

// Lookup resolves a "/"-separated relative path from c. ".." steps to the
// parent; a segment after a container selects a member, creating it as
// Get does. The result is a *Cell, *Composite, *Container or
// *LocalCommand.
func (c *Composite) Lookup(rel string) (any, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.lookup(rel)
}

func (c *Composite) lookup(rel string) (any, error) {
	var cur any = c
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".":
			continue
		}
		switch n := cur.(type) {
		case *Composite:
			if seg == ".." {
				if n.parent == nil {
					return nil, NewNotFoundError("path climbs above the root", nil).WithPath(n.Path())
				}
				cur = n.parent
				continue
			}
			switch {
			case n.cells[seg] != nil:
				cur = n.cells[seg]
			case n.composites[seg] != nil:
				cur = n.composites[seg]
			case n.containers[seg] != nil:
				cur = n.containers[seg]
			case n.commands[seg] != nil:
				cur = n.commands[seg]
			default:
				return nil, n.missing(seg, "no such child")
			}
		case *Container:
			if seg == ".." {
				cur = n.owner
				continue
			}
			m, err := n.Get(seg)
			if err != nil {
				return nil, err
			}
			cur = m
		default:
			return nil, NewNotFoundError(fmt.Sprintf("cannot descend into %q", seg), nil)
		}
	}
	return cur, nil
}

// compositeScope resolves rule paths from a composite. The empty path is
// the composite itself.
type compositeScope struct {
	node *Composite
}

func (s *compositeScope) Value(rel string) (Value, error) {
	target, err := s.node.lookup(rel)
	if err != nil {
		return nil, err
	}
	switch t := target.(type) {
	case *Cell:
		return t.Value()
	case *Composite:
		return t.State(false)
	case *Container:
		return t.State(false)
	}
	return nil, NewNotFoundError(fmt.Sprintf("%q has no value", rel), nil).WithPath(s.node.Path())
}

func (s *compositeScope) Range(rel string) (*schema.Range, error) {
	cell, err := s.cell(rel)
	if err != nil {
		return nil, err
	}
	return cell.Range()
}

func (s *compositeScope) AllowedValues(rel string) ([]Value, error) {
	cell, err := s.cell(rel)
	if err != nil {
		return nil, err
	}
	return cell.AllowedValues()
}

func (s *compositeScope) cell(rel string) (*Cell, error) {
	target, err := s.node.lookup(rel)
	if err != nil {
		return nil, err
	}
	cell, ok := target.(*Cell)
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("%q is not a property", rel), nil).WithPath(s.node.Path())
	}
	return cell, nil
}

// LocalCommand runs a Go handler declared on a local composite.
type LocalCommand struct {
	owner *Composite
	name  string
	decl  *schema.Command
}

// Path returns the command's location in the local tree.
func (c *LocalCommand) Path() path.Path {
	return c.owner.Path().Child(c.name)
}

// Execute validates args and runs the handler with a scope rooted at the
// owning composite.
func (c *LocalCommand) Execute(ctx context.Context, args map[string]Value) (Value, error) {
	if err := c.owner.check(); err != nil {
		return nil, err
	}
	if !c.owner.Available(c.name) {
		return nil, NewValidationError(fmt.Sprintf("command %q is not available", c.name), nil).
			WithCode(ErrCodeUnavailable).
			WithPath(c.Path())
	}
	checked, err := c.decl.CheckArgs(args)
	if err != nil {
		c.owner.env.metrics.RecordValidationFailure(constraintCode(err))
		return nil, constraintError("invalid arguments", err).
			WithPath(c.Path()).
			WithOperation(string(OpExecute))
	}
	if c.decl.Handler == nil {
		return nil, NewSchemaError("command has no local handler", nil).
			WithCode(ErrCodeUnavailable).
			WithPath(c.Path())
	}
	return c.decl.Handler(ctx, &compositeScope{node: c.owner}, checked)
}
