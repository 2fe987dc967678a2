// Package memauthority is an in-memory remote authority: a tree built
// from a schema that answers the six primitives the way a simulation
// server would. It is used by tests and by the development server.
package memauthority

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/protocol"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/tree"
)

// Authority holds the authoritative state of one tree. It is safe for
// concurrent use.
//
// Members of named collections are created by the first write below them.
// Derived values, derived constraints and availability predicates declared
// in the schema are evaluated on every request, so the state seen by
// clients always reflects the current selectors.
type Authority struct {
	mu       sync.Mutex
	class    *schema.Class
	root     *node
	handlers map[string]schema.CommandFunc
	logger   zerolog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Authority) {
		a.logger = logger
	}
}

// WithHandler runs fn for the command at pattern, a path whose named
// segments carry no instance, for example "/contour/display". It
// overrides the handler declared in the schema.
func WithHandler(pattern string, fn schema.CommandFunc) Option {
	return func(a *Authority) {
		a.handlers[pattern] = fn
	}
}

// New builds an empty authority for class. Rule dependencies are checked
// the same way a local tree checks them.
func New(class *schema.Class, opts ...Option) (*Authority, error) {
	if _, err := tree.NewComposite(class); err != nil {
		return nil, err
	}
	a := &Authority{
		class:    class,
		root:     newNode(class, nil),
		handlers: make(map[string]schema.CommandFunc),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("component", "memauthority").Logger()
	return a, nil
}

// Class returns the root class.
func (a *Authority) Class() *schema.Class {
	return a.class
}

// ReadState implements tree.Authority.
func (a *Authority) ReadState(_ context.Context, p path.Path) (tree.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loc, err := a.resolve(p, false)
	if err != nil {
		return nil, err
	}
	switch {
	case loc.prop != nil:
		return loc.node.value(loc.name)
	case loc.coll != nil:
		return loc.coll.state()
	case loc.cmd != nil:
		return nil, notFound(p, "commands have no state")
	default:
		return loc.node.state()
	}
}

// WriteState implements tree.Authority.
func (a *Authority) WriteState(_ context.Context, p path.Path, v tree.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	loc, err := a.resolve(p, true)
	if err != nil {
		loc.rollback()
		return err
	}
	switch {
	case loc.prop != nil:
		err = loc.node.set(loc.name, v, p)
	case loc.coll != nil:
		err = loc.coll.apply(v, p)
	case loc.cmd != nil:
		err = tree.NewValidationError("commands carry no state", nil).WithPath(p)
	default:
		err = loc.node.apply(v, p)
	}
	if err != nil {
		loc.rollback()
	}
	return err
}

// ChildNames implements tree.Authority. A composite lists its available
// children in declaration order; a collection lists its members in
// creation order.
func (a *Authority) ChildNames(_ context.Context, p path.Path) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loc, err := a.resolve(p, false)
	if err != nil {
		return nil, err
	}
	switch {
	case loc.coll != nil:
		out := make([]string, len(loc.coll.order))
		copy(out, loc.coll.order)
		return out, nil
	case loc.prop != nil, loc.cmd != nil:
		return nil, notFound(p, "not a composite")
	}
	var names []string
	for _, ch := range loc.node.class.Children {
		if loc.node.available(ch.Name) {
			names = append(names, ch.Name)
		}
	}
	return names, nil
}

// DeleteMember implements tree.Authority.
func (a *Authority) DeleteMember(_ context.Context, p path.Path) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	coll, name, err := a.member(p)
	if err != nil {
		return err
	}
	coll.remove(name)
	a.logger.Debug().Str("path", p.String()).Msg("member deleted")
	return nil
}

// RenameMember implements tree.Authority.
func (a *Authority) RenameMember(_ context.Context, p path.Path, newName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	coll, name, err := a.member(p)
	if err != nil {
		return err
	}
	target, err := p.WithInstance(newName)
	if newName == "" || err != nil {
		return tree.NewValidationError(fmt.Sprintf("invalid member name %q", newName), err).WithPath(p)
	}
	if _, exists := coll.members[newName]; exists {
		return tree.NewValidationError(fmt.Sprintf("member %q already exists", newName), nil).
			WithCode(tree.ErrCodeAlreadyExists).
			WithPath(target)
	}
	coll.rename(name, newName)
	return nil
}

// Execute implements tree.Authority.
func (a *Authority) Execute(ctx context.Context, p path.Path, args map[string]tree.Value) (tree.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loc, err := a.resolve(p, false)
	if err != nil {
		return nil, err
	}
	if loc.cmd == nil {
		return nil, notFound(p, "not a command")
	}
	if !loc.node.available(loc.name) {
		return nil, tree.NewValidationError(fmt.Sprintf("command %q is not available", loc.name), nil).
			WithCode(tree.ErrCodeUnavailable).
			WithPath(p)
	}
	checked, err := loc.cmd.CheckArgs(args)
	if err != nil {
		return nil, tree.NewValidationError("invalid arguments", err).WithPath(p)
	}

	fn, ok := a.handlers[Pattern(p)]
	if !ok {
		fn = loc.cmd.Handler
	}
	if fn == nil {
		return nil, tree.NewRemoteError("command has no handler", nil).
			WithCode(protocol.CodeNotImplemented).
			WithPath(p)
	}

	a.logger.Debug().Str("path", p.String()).Interface("args", checked).Msg("executing command")
	out, err := fn(ctx, &scope{node: loc.node}, checked)
	if err != nil {
		if _, ok := err.(*tree.Error); ok {
			return nil, err
		}
		return nil, tree.NewRemoteError("command failed", err).WithPath(p)
	}
	return out, nil
}

// Pattern drops the instance names of p: "/contour:a/display" becomes
// "/contour/display".
func Pattern(p path.Path) string {
	segs := p.Segments()
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.Name
	}
	return path.Separator + strings.Join(parts, path.Separator)
}

// location is what a path resolves to: a node, or one of its property,
// collection or command children.
type location struct {
	node *node
	name string
	prop *schema.Property
	coll *collection
	cmd  *schema.Command

	// created lists the members made while resolving a write.
	created []createdMember
}

type createdMember struct {
	coll *collection
	name string
}

// rollback removes the members created while resolving, so a rejected
// write leaves no trace.
func (l location) rollback() {
	for i := len(l.created) - 1; i >= 0; i-- {
		l.created[i].coll.remove(l.created[i].name)
	}
}

// resolve walks p from the root. With create, missing members of named
// collections are created on the way.
func (a *Authority) resolve(p path.Path, create bool) (location, error) {
	return walk(a.root, p.Segments(), create, p)
}

func walk(start *node, segs []path.Segment, create bool, p path.Path) (location, error) {
	var created []createdMember
	fail := func(msg string) (location, error) {
		return location{created: created}, notFound(p, msg)
	}

	cur := start
	for i, seg := range segs {
		last := i == len(segs)-1
		ch, ok := cur.class.Child(seg.Name)
		if !ok {
			return fail(fmt.Sprintf("no child %q", seg.Name))
		}

		if seg.Named() {
			if ch.Kind != schema.KindCollection {
				return fail(fmt.Sprintf("%q is not a collection", seg.Name))
			}
			coll := cur.colls[seg.Name]
			m, ok := coll.members[seg.Instance]
			if !ok {
				if !create {
					return fail(fmt.Sprintf("no member %q", seg.Instance))
				}
				m = coll.add(seg.Instance)
				created = append(created, createdMember{coll: coll, name: seg.Instance})
			}
			cur = m
			continue
		}

		loc := location{node: cur, name: seg.Name, created: created}
		switch ch.Kind {
		case schema.KindComposite:
			cur = cur.objects[seg.Name]
			continue
		case schema.KindProperty:
			if last {
				loc.prop = ch.Property
				return loc, nil
			}
		case schema.KindCollection:
			if last {
				loc.coll = cur.colls[seg.Name]
				return loc, nil
			}
		case schema.KindCommand:
			if last {
				loc.cmd = ch.Command
				return loc, nil
			}
		}
		return fail(fmt.Sprintf("cannot descend into %q", seg.Name))
	}
	return location{node: cur, created: created}, nil
}

// member resolves a path that ends in a named segment to its collection.
func (a *Authority) member(p path.Path) (*collection, string, error) {
	last, ok := p.Last()
	if !ok || !last.Named() {
		return nil, "", tree.NewValidationError("path does not name a collection member", nil).WithPath(p)
	}
	loc, err := a.resolve(p.Parent().Child(last.Name), false)
	if err != nil {
		return nil, "", err
	}
	if loc.coll == nil {
		return nil, "", notFound(p, fmt.Sprintf("%q is not a collection", last.Name))
	}
	if _, ok := loc.coll.members[last.Instance]; !ok {
		return nil, "", notFound(p, fmt.Sprintf("no member %q", last.Instance))
	}
	return loc.coll, last.Instance, nil
}

func notFound(p path.Path, msg string) *tree.Error {
	return tree.NewNotFoundError(msg, nil).WithPath(p)
}
