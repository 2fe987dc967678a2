package tree_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/tree"
)

// graphicsClass is a small post-processing tree: a collection of contours,
// each with a field selector, an iso value derived from the field's range
// and two mutually exclusive surface options.
func graphicsClass() *schema.Class {
	fieldRanges := map[string]schema.Value{
		"pressure":    []float64{0, 100},
		"temperature": []float64{20, 30},
		"velocity":    []float64{0, 5},
	}

	definition := schema.NewClass("surface_definition",
		schema.Prop("type", schema.Property{
			Type:          schema.TypeString,
			Default:       "iso-surface",
			AllowedValues: []schema.Value{"iso-surface", "plane-surface"},
		}),
	)
	isoSurface := schema.NewClass("iso_surface",
		schema.Prop("levels", schema.Property{
			Type:    schema.TypeInteger,
			Default: 10,
			Range:   &schema.Range{Min: 1, Max: 100},
		}),
	)
	planeSurface := schema.NewClass("plane_surface",
		schema.Prop("normal", schema.Property{Type: schema.TypeRealList, Default: []float64{0, 0, 1}}),
		schema.Prop("offset", schema.Property{Type: schema.TypeReal, Default: 0.0}),
	)

	contour := schema.NewClass("contour",
		schema.Prop("name", schema.Property{Type: schema.TypeString}),
		schema.Prop("field", schema.Property{
			Type:          schema.TypeString,
			Default:       "pressure",
			AllowedValues: []schema.Value{"pressure", "temperature", "velocity"},
		}),
		schema.Prop("iso_value", schema.Property{
			Type:      schema.TypeReal,
			RangeRule: schema.Lookup("field", fieldRanges),
			Derive:    schema.Midpoint("field"),
		}),
		schema.Prop("colors", schema.Property{
			Type:          schema.TypeStringList,
			AllowedValues: []schema.Value{"red", "green", "blue"},
		}),
		schema.Object("definition", definition),
		schema.Object("iso_surface", isoSurface).When(schema.Equals("definition/type", "iso-surface")),
		schema.Object("plane_surface", planeSurface).When(schema.Equals("definition/type", "plane-surface")),
		schema.Cmd("display", schema.Command{
			Args: []*schema.Argument{{
				Name: "window",
				Property: schema.Property{
					Type:    schema.TypeInteger,
					Default: 1,
					Range:   &schema.Range{Min: 0, Max: 16},
				},
			}},
			Handler: func(ctx context.Context, s schema.Scope, args map[string]schema.Value) (schema.Value, error) {
				field, err := s.Value("field")
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("%v in window %v", field, args["window"]), nil
			},
		}),
	)

	return schema.NewClass("graphics",
		schema.Prop("title", schema.Property{Type: schema.TypeString, Default: "untitled"}),
		schema.Prop("version", schema.Property{Type: schema.TypeInteger, Default: 3, ReadOnly: true}),
		schema.Collection("contour", contour),
		schema.Cmd("render", schema.Command{
			Args: []*schema.Argument{
				{Name: "file", Required: true, Property: schema.Property{Type: schema.TypeString}},
				{Name: "dpi", Property: schema.Property{Type: schema.TypeInteger, Default: 96}},
			},
		}),
	)
}

// fakeAuthority stores state by rendered path and logs every call as
// "<op> <path>".
type fakeAuthority struct {
	calls    []string
	state    map[string]tree.Value
	children map[string][]string
	errs     map[string]error
	writes   []tree.Value
	closed   bool
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		state:    make(map[string]tree.Value),
		children: make(map[string][]string),
		errs:     make(map[string]error),
	}
}

func (f *fakeAuthority) record(op string, p path.Path) error {
	key := op + " " + p.String()
	f.calls = append(f.calls, key)
	return f.errs[key]
}

func (f *fakeAuthority) ReadState(_ context.Context, p path.Path) (tree.Value, error) {
	if err := f.record("read", p); err != nil {
		return nil, err
	}
	return f.state[p.String()], nil
}

func (f *fakeAuthority) WriteState(_ context.Context, p path.Path, v tree.Value) error {
	if err := f.record("write", p); err != nil {
		return err
	}
	f.state[p.String()] = v
	f.writes = append(f.writes, v)
	return nil
}

func (f *fakeAuthority) ChildNames(_ context.Context, p path.Path) ([]string, error) {
	if err := f.record("children", p); err != nil {
		return nil, err
	}
	return f.children[p.String()], nil
}

func (f *fakeAuthority) DeleteMember(_ context.Context, p path.Path) error {
	return f.record("delete", p)
}

func (f *fakeAuthority) RenameMember(_ context.Context, p path.Path, newName string) error {
	return f.record("rename", p)
}

func (f *fakeAuthority) Execute(_ context.Context, p path.Path, args map[string]tree.Value) (tree.Value, error) {
	if err := f.record("execute", p); err != nil {
		return nil, err
	}
	return args, nil
}

func (f *fakeAuthority) Close() error {
	f.closed = true
	return nil
}

func newRemoteTree(t *testing.T, opts ...tree.Option) (*tree.Node, *fakeAuthority, *tree.Session) {
	t.Helper()

	fake := newFakeAuthority()
	sess := tree.NewSession(fake, opts...)
	root, err := tree.NewRoot(sess, graphicsClass())
	if err != nil {
		t.Fatalf("NewRoot() error = %v", err)
	}
	return root, fake, sess
}

func newLocalTree(t *testing.T, opts ...tree.LocalOption) *tree.Composite {
	t.Helper()

	root, err := tree.NewComposite(graphicsClass(), opts...)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	return root
}

// localContour returns a fresh member of the local contour container.
func localContour(t *testing.T, root *tree.Composite, name string) *tree.Composite {
	t.Helper()

	contours, err := root.Container("contour")
	if err != nil {
		t.Fatalf("Container() error = %v", err)
	}
	c, err := contours.Get(name)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", name, err)
	}
	return c
}

func mustCell(t *testing.T, c *tree.Composite, rel string) *tree.Cell {
	t.Helper()

	target, err := c.Lookup(rel)
	if err != nil {
		t.Fatalf("Lookup(%q) error = %v", rel, err)
	}
	cell, ok := target.(*tree.Cell)
	if !ok {
		t.Fatalf("Lookup(%q) = %T, want *tree.Cell", rel, target)
	}
	return cell
}

func mustValue(t *testing.T, c *tree.Cell) tree.Value {
	t.Helper()

	v, err := c.Value()
	if err != nil {
		t.Fatalf("%s: Value() error = %v", c.Path(), err)
	}
	return v
}
