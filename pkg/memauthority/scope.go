package memauthority

import (
	"context"
	"fmt"
	"strings"

	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/tree"
)

// scope resolves rule paths from a stored node the same way a local tree
// does: "/"-separated child names, ".." for the parent and a segment after
// a collection selecting a member. The empty path is self, the property
// that owns the rule being evaluated.
type scope struct {
	node *node
	self string
}

var _ schema.Scope = (*scope)(nil)

// target is what a relative path resolves to.
type target struct {
	node *node
	prop string
	coll *collection
}

func (s *scope) resolve(rel string) (target, error) {
	if rel == "" && s.self != "" {
		return target{node: s.node, prop: s.self}, nil
	}
	t := target{node: s.node}
	for _, seg := range strings.Split(rel, "/") {
		switch seg {
		case "", ".":
			continue
		}
		if t.prop != "" {
			return target{}, fmt.Errorf("cannot descend into property %q", t.prop)
		}
		if t.coll != nil {
			if seg == ".." {
				t = target{node: t.coll.owner}
				continue
			}
			m, ok := t.coll.members[seg]
			if !ok {
				return target{}, fmt.Errorf("no member %q", seg)
			}
			t = target{node: m}
			continue
		}
		if seg == ".." {
			if t.node.parent == nil {
				return target{}, fmt.Errorf("path %q climbs above the root", rel)
			}
			t = target{node: t.node.parent}
			continue
		}
		ch, ok := t.node.class.Child(seg)
		if !ok {
			return target{}, fmt.Errorf("no child %q", seg)
		}
		switch ch.Kind {
		case schema.KindProperty:
			t = target{node: t.node, prop: seg}
		case schema.KindComposite:
			t = target{node: t.node.objects[seg]}
		case schema.KindCollection:
			t = target{node: t.node, coll: t.node.colls[seg]}
		default:
			return target{}, fmt.Errorf("%q has no value", seg)
		}
	}
	return t, nil
}

func (s *scope) Value(rel string) (schema.Value, error) {
	t, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	switch {
	case t.prop != "":
		return t.node.value(t.prop)
	case t.coll != nil:
		return t.coll.state()
	default:
		return t.node.state()
	}
}

func (s *scope) Range(rel string) (*schema.Range, error) {
	t, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	if t.prop == "" {
		return nil, fmt.Errorf("%q is not a property", rel)
	}
	return t.node.bounds(t.prop)
}

func (s *scope) AllowedValues(rel string) ([]schema.Value, error) {
	t, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	if t.prop == "" {
		return nil, fmt.Errorf("%q is not a property", rel)
	}
	return t.node.allowed(t.prop)
}

type progressKey struct{}

// ProgressFunc receives progress reports of a running command.
type ProgressFunc func(current, total int, message string)

// WithProgress returns a context whose commands report progress to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress lets a command handler report progress. It is a no-op
// when nobody listens.
func ReportProgress(ctx context.Context, current, total int, message string) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(current, total, message)
	}
}

// Reset drops every stored value and member.
func (a *Authority) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.root = newNode(a.class, nil)
}

// Snapshot returns the full state of the tree.
func (a *Authority) Snapshot() (map[string]tree.Value, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root.state()
}
