package tree_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/simtree/simtree/pkg/schema"
	"github.com/simtree/simtree/pkg/telemetry"
	"github.com/simtree/simtree/pkg/tree"
)

func TestCellRoundTrip(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")

	tests := []struct {
		rel  string
		in   tree.Value
		want tree.Value
	}{
		{rel: "field", in: "velocity", want: "velocity"},
		{rel: "iso_value", in: 0.0, want: 0.0},
		{rel: "iso_value", in: 100, want: 100.0},
		{rel: "iso_value", in: 42.5, want: 42.5},
		{rel: "colors", in: []string{"red", "blue"}, want: []string{"red", "blue"}},
		{rel: "colors", in: []any{"green"}, want: []string{"green"}},
		{rel: "iso_surface/levels", in: 7, want: int64(7)},
		{rel: "plane_surface/normal", in: []float64{1, 0, 0}, want: []float64{1, 0, 0}},
	}

	for _, tt := range tests {
		cell := mustCell(t, c, tt.rel)
		if tt.rel == "iso_value" {
			// Keep the field at pressure so the range is [0, 100].
			if err := mustCell(t, c, "field").Set("pressure"); err != nil {
				t.Fatalf("Set(field) error = %v", err)
			}
		}
		if err := cell.Set(tt.in); err != nil {
			t.Errorf("%s: Set(%v) error = %v", tt.rel, tt.in, err)
			continue
		}
		if got := mustValue(t, cell); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: Value() = %#v, want %#v", tt.rel, got, tt.want)
		}
	}
}

func TestCellValidation(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	root := newLocalTree(t, tree.WithMetrics(m))
	c := localContour(t, root, "c1")

	tests := []struct {
		name       string
		rel        string
		in         tree.Value
		constraint string
	}{
		{name: "above derived range", rel: "iso_value", in: 100.5, constraint: schema.CodeOutOfRange},
		{name: "below derived range", rel: "iso_value", in: -1, constraint: schema.CodeOutOfRange},
		{name: "not allowed", rel: "field", in: "density", constraint: schema.CodeNotAllowed},
		{name: "list element not allowed", rel: "colors", in: []string{"red", "mauve"}, constraint: schema.CodeNotAllowed},
		{name: "static range", rel: "iso_surface/levels", in: 0, constraint: schema.CodeOutOfRange},
		{name: "wrong type", rel: "iso_surface/levels", in: "ten", constraint: schema.CodeTypeMismatch},
		{name: "fractional integer", rel: "iso_surface/levels", in: 2.5, constraint: schema.CodeTypeMismatch},
		{name: "null", rel: "field", in: nil, constraint: schema.CodeTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cell := mustCell(t, c, tt.rel)
			before := mustValue(t, cell)

			err := cell.Set(tt.in)
			if !tree.IsValidation(err) {
				t.Fatalf("Set(%v) error = %v, want validation error", tt.in, err)
			}
			var e *tree.Error
			if !errors.As(err, &e) || e.Details["constraint"] != tt.constraint {
				t.Errorf("constraint = %v, want %s", e.Details["constraint"], tt.constraint)
			}
			if after := mustValue(t, cell); !reflect.DeepEqual(after, before) {
				t.Errorf("value changed on failed Set: %v -> %v", before, after)
			}
		})
	}

	if got := m.Sample("validation_failures_total", nil); got != float64(len(tests)) {
		t.Errorf("validation_failures_total = %v, want %d", got, len(tests))
	}
}

func TestCellReadOnly(t *testing.T) {
	root := newLocalTree(t)
	version, err := root.Cell("version")
	if err != nil {
		t.Fatalf("Cell() error = %v", err)
	}

	if err := version.Set(4); !tree.IsReadOnly(err) {
		t.Fatalf("Set() error = %v, want read-only", err)
	}
	state, err := root.State(false)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state["version"] != int64(3) {
		t.Errorf("state[version] = %#v, want 3", state["version"])
	}
}

func TestCellInvalidation(t *testing.T) {
	m, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	root := newLocalTree(t, tree.WithMetrics(m))
	c := localContour(t, root, "c1")
	field := mustCell(t, c, "field")
	iso := mustCell(t, c, "iso_value")

	if got := mustValue(t, iso); got != 50.0 {
		t.Fatalf("iso_value = %v, want 50", got)
	}
	if !iso.IsCached() {
		t.Fatal("iso_value should be cached after a read")
	}

	if err := field.Set("temperature"); err != nil {
		t.Fatalf("Set(field) error = %v", err)
	}
	if iso.IsCached() {
		t.Error("iso_value still cached after its dependency changed")
	}
	if got := mustValue(t, iso); got != 25.0 {
		t.Errorf("iso_value = %v, want 25", got)
	}
	r, err := iso.Range()
	if err != nil || r == nil || *r != (schema.Range{Min: 20, Max: 30}) {
		t.Errorf("Range() = %v, %v, want [20, 30]", r, err)
	}

	// An explicit value is also cleared when the selector moves on.
	if err := iso.Set(21); err != nil {
		t.Fatalf("Set(iso_value) error = %v", err)
	}
	if err := field.Set("velocity"); err != nil {
		t.Fatalf("Set(field) error = %v", err)
	}
	if got := mustValue(t, iso); got != 2.5 {
		t.Errorf("iso_value = %v, want 2.5", got)
	}

	if got := m.Sample("cell_invalidations_total", nil); got != 2 {
		t.Errorf("cell_invalidations_total = %v, want 2", got)
	}
}

func TestCellDependenciesDeduplicated(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")
	iso := mustCell(t, c, "iso_value")
	field := mustCell(t, c, "field")

	deps := iso.Dependencies()
	if len(deps) != 1 || deps[0] != field {
		t.Fatalf("Dependencies() = %v, want [field]", deps)
	}

	notified := 0
	iso.OnChange(func() { notified++ })
	if err := field.Set("temperature"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if notified != 1 {
		t.Errorf("iso_value subscribers notified %d times, want 1", notified)
	}
}

func TestCellTransitiveInvalidation(t *testing.T) {
	class := schema.NewClass("chain",
		schema.Prop("a", schema.Property{Type: schema.TypeInteger, Default: 1}),
		schema.Prop("b", schema.Property{Type: schema.TypeInteger, Derive: schema.Mirror("a")}),
		schema.Prop("c", schema.Property{Type: schema.TypeInteger, Derive: schema.Mirror("b")}),
	)
	root, err := tree.NewComposite(class)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}
	a, b, c := mustCell(t, root, "a"), mustCell(t, root, "b"), mustCell(t, root, "c")

	if got := mustValue(t, c); got != int64(1) {
		t.Fatalf("c = %v, want 1", got)
	}
	if err := a.Set(7); err != nil {
		t.Fatalf("Set(a) error = %v", err)
	}
	if b.IsCached() || c.IsCached() {
		t.Fatal("dependents still cached after a changed")
	}
	if got := mustValue(t, c); got != int64(7) {
		t.Errorf("c = %v, want 7", got)
	}
}

func TestSubscriptionOrderAndCancel(t *testing.T) {
	root := newLocalTree(t)
	title, _ := root.Cell("title")

	var order []string
	first := title.OnChange(func() { order = append(order, "first") })
	title.OnChange(func() { order = append(order, "second") })

	if err := title.Set("a"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	first.Cancel()
	first.Cancel()
	if err := title.Set("b"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	want := []string{"first", "second", "second"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("callbacks = %v, want %v", order, want)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	class := schema.NewClass("loop",
		schema.Prop("a", schema.Property{Type: schema.TypeInteger, Derive: schema.Mirror("b")}),
		schema.Prop("b", schema.Property{Type: schema.TypeInteger, Derive: schema.Mirror("a")}),
	)
	if _, err := tree.NewComposite(class); !tree.IsSchema(err) {
		t.Fatalf("NewComposite() error = %v, want schema error", err)
	}

	unknown := schema.NewClass("dangling",
		schema.Prop("a", schema.Property{Type: schema.TypeInteger, Derive: schema.Mirror("missing")}),
	)
	if _, err := tree.NewComposite(unknown); !tree.IsSchema(err) {
		t.Fatalf("NewComposite() error = %v, want schema error", err)
	}
}

func TestCompositeAvailability(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")

	state, err := c.State(false)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if _, ok := state["iso_surface"]; !ok {
		t.Error("iso_surface missing while definition/type is iso-surface")
	}
	if _, ok := state["plane_surface"]; ok {
		t.Error("plane_surface present while definition/type is iso-surface")
	}

	if err := mustCell(t, c, "definition/type").Set("plane-surface"); err != nil {
		t.Fatalf("Set(type) error = %v", err)
	}
	if c.Available("iso_surface") || !c.Available("plane_surface") {
		t.Fatal("availability did not follow definition/type")
	}

	state, err = c.State(false)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if _, ok := state["iso_surface"]; ok {
		t.Error("iso_surface present after switching to plane-surface")
	}
	plane, ok := state["plane_surface"].(map[string]tree.Value)
	if !ok {
		t.Fatalf("state[plane_surface] = %#v", state["plane_surface"])
	}
	if !reflect.DeepEqual(plane["normal"], []float64{0, 0, 1}) {
		t.Errorf("plane_surface.normal = %#v", plane["normal"])
	}
}

func TestCompositeStateAttributes(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")

	state, err := c.State(true)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}

	want := map[string]tree.Value{
		"name":                  "c1",
		"field":                 "pressure",
		"field.allowed_values":  []tree.Value{"pressure", "temperature", "velocity"},
		"iso_value":             50.0,
		"iso_value.range":       []float64{0, 100},
		"colors.allowed_values": []tree.Value{"red", "green", "blue"},
		"definition": map[string]tree.Value{
			"type":                "iso-surface",
			"type.allowed_values": []tree.Value{"iso-surface", "plane-surface"},
		},
		"iso_surface": map[string]tree.Value{
			"levels":       int64(10),
			"levels.range": []float64{1, 100},
		},
	}
	if !reflect.DeepEqual(state, want) {
		t.Errorf("State(true) =\n%#v\nwant\n%#v", state, want)
	}

	// State(true) output can be fed back into Update.
	if err := c.Update(state); err != nil {
		t.Errorf("Update(State(true)) error = %v", err)
	}
}

func TestCompositeUpdate(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")

	// definition precedes plane_surface in declaration order, so the switch
	// happens before plane_surface is checked for availability.
	err := c.Update(map[string]tree.Value{
		"plane_surface": map[string]tree.Value{"offset": 2.5},
		"definition":    map[string]tree.Value{"type": "plane-surface"},
		"field":         "temperature",
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := mustValue(t, mustCell(t, c, "plane_surface/offset")); got != 2.5 {
		t.Errorf("offset = %v, want 2.5", got)
	}
	if got := mustValue(t, mustCell(t, c, "iso_value")); got != 25.0 {
		t.Errorf("iso_value = %v, want 25", got)
	}

	tests := []struct {
		name    string
		partial map[string]tree.Value
		check   func(error) bool
	}{
		{name: "unknown key", partial: map[string]tree.Value{"colour": "red"}, check: tree.IsValidation},
		{name: "unavailable child", partial: map[string]tree.Value{"iso_surface": map[string]tree.Value{"levels": 3}}, check: tree.IsValidation},
		{name: "composite needs map", partial: map[string]tree.Value{"definition": "plane"}, check: tree.IsValidation},
		{name: "command key", partial: map[string]tree.Value{"display": 1}, check: tree.IsValidation},
		{name: "nested violation", partial: map[string]tree.Value{"definition": map[string]tree.Value{"type": "sphere"}}, check: tree.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Update(tt.partial); !tt.check(err) {
				t.Errorf("Update() error = %v", err)
			}
		})
	}
}

func TestUnknownKeyLeavesStateUntouched(t *testing.T) {
	root := newLocalTree(t)
	err := root.Update(map[string]tree.Value{"title": "new", "bogus": 1})
	if !tree.IsValidation(err) {
		t.Fatalf("Update() error = %v, want validation", err)
	}
	title, _ := root.Cell("title")
	if got := mustValue(t, title); got != "untitled" {
		t.Errorf("title = %v, want untitled", got)
	}
}

func TestContainerIdentityAndNaming(t *testing.T) {
	root := newLocalTree(t)
	contours, _ := root.Container("contour")

	a, err := contours.Get("x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, _ := contours.Get("x")
	if a != b {
		t.Fatal("Get returned different instances for the same name")
	}
	if a.Lifecycle() != tree.Unbound {
		t.Errorf("Lifecycle() = %v, want unbound", a.Lifecycle())
	}
	if got := mustValue(t, mustCell(t, a, "name")); got != "x" {
		t.Errorf("name = %v, want x", got)
	}

	if err := mustCell(t, a, "field").Set("velocity"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := mustValue(t, mustCell(t, b, "field")); got != "velocity" {
		t.Errorf("change through one handle not visible through the other: %v", got)
	}

	if err := contours.Set("y", map[string]tree.Value{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := contours.Set("a", map[string]tree.Value{"name": "a", "field": "temperature"}); err != nil {
		t.Fatalf("Set() with own name error = %v", err)
	}
	if got := contours.Names(); !reflect.DeepEqual(got, []string{"x", "y", "a"}) {
		t.Errorf("Names() = %v, want insertion order", got)
	}
	y, _ := contours.Get("y")
	if y.Lifecycle() != tree.Bound {
		t.Errorf("Lifecycle() after Set = %v, want bound", y.Lifecycle())
	}
	if y.Path().String() != "/contour:y" {
		t.Errorf("Path() = %s", y.Path())
	}
}

func TestContainerDelete(t *testing.T) {
	root := newLocalTree(t)
	contours, _ := root.Container("contour")
	x, _ := contours.Get("x")
	field := mustCell(t, x, "field")

	if err := contours.Delete("x"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if x.Lifecycle() != tree.Deleted {
		t.Errorf("Lifecycle() = %v, want deleted", x.Lifecycle())
	}
	if _, err := contours.Get("x"); !tree.IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
	if _, err := field.Value(); !tree.IsNotFound(err) {
		t.Errorf("held cell Value() error = %v, want not found", err)
	}
	if err := field.Set("pressure"); !tree.IsNotFound(err) {
		t.Errorf("held cell Set() error = %v, want not found", err)
	}
	if _, err := x.State(false); !tree.IsNotFound(err) {
		t.Errorf("held member State() error = %v, want not found", err)
	}
	if err := contours.Delete("x"); !tree.IsNotFound(err) {
		t.Errorf("second Delete() error = %v, want not found", err)
	}

	// Set is an explicit create and yields a new member.
	if err := contours.Set("x", nil); err != nil {
		t.Fatalf("Set() after delete error = %v", err)
	}
	fresh, _ := contours.Get("x")
	if fresh == x {
		t.Error("Set after delete returned the deleted instance")
	}
	if x.Lifecycle() != tree.Deleted {
		t.Error("old handle left the deleted state")
	}
}

func TestContainerRename(t *testing.T) {
	root := newLocalTree(t)
	contours, _ := root.Container("contour")
	_ = contours.Set("a", nil)
	_ = contours.Set("b", nil)

	if err := contours.Rename("a", "b"); !tree.IsValidation(err) {
		t.Errorf("Rename() onto existing error = %v, want validation", err)
	}
	if err := contours.Rename("a", "c"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	c, _ := contours.Get("c")
	if got := mustValue(t, mustCell(t, c, "name")); got != "c" {
		t.Errorf("name = %v, want c", got)
	}
	if got := contours.Names(); !reflect.DeepEqual(got, []string{"c", "b"}) {
		t.Errorf("Names() = %v", got)
	}
	if c.Path().String() != "/contour:c" {
		t.Errorf("Path() = %s", c.Path())
	}
}

func TestLocalCommand(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")
	display, err := c.Command("display")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}

	out, err := display.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != "pressure in window 1" {
		t.Errorf("Execute() = %v", out)
	}

	if _, err := display.Execute(context.Background(), map[string]tree.Value{"window": 17}); !tree.IsValidation(err) {
		t.Errorf("Execute() out of range error = %v, want validation", err)
	}
	if _, err := display.Execute(context.Background(), map[string]tree.Value{"screen": 1}); !tree.IsValidation(err) {
		t.Errorf("Execute() unknown argument error = %v, want validation", err)
	}

	render, _ := root.Command("render")
	if _, err := render.Execute(context.Background(), map[string]tree.Value{"file": "a.png"}); !tree.IsSchema(err) {
		t.Errorf("Execute() without handler error = %v, want schema", err)
	}
}

func TestLookup(t *testing.T) {
	root := newLocalTree(t)
	c := localContour(t, root, "c1")

	target, err := c.Lookup("../title")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if cell, ok := target.(*tree.Cell); !ok || cell.Name() != "title" {
		t.Errorf("Lookup(../title) = %#v", target)
	}

	target, err = root.Lookup("contour/c1/definition/type")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if cell := target.(*tree.Cell); cell.Path().String() != "/contour:c1/definition/type" {
		t.Errorf("Path() = %s", cell.Path())
	}

	if _, err := root.Lookup("nope"); !tree.IsNotFound(err) {
		t.Errorf("Lookup(nope) error = %v, want not found", err)
	}
	if _, err := root.Lookup(".."); !tree.IsNotFound(err) {
		t.Errorf("Lookup(..) at root error = %v, want not found", err)
	}
}

func TestStarlarkRulesInLocalTree(t *testing.T) {
	rangeRule, err := schema.ExprRule(`[0, value("limit")]`, []string{"limit"})
	if err != nil {
		t.Fatalf("ExprRule() error = %v", err)
	}
	derive, err := schema.ExprRule(`midpoint(bounds())`, []string{"limit"})
	if err != nil {
		t.Fatalf("ExprRule() error = %v", err)
	}
	class := schema.NewClass("sensor",
		schema.Prop("limit", schema.Property{Type: schema.TypeReal, Default: 10.0}),
		schema.Prop("level", schema.Property{Type: schema.TypeReal, RangeRule: rangeRule, Derive: derive}),
	)
	root, err := tree.NewComposite(class)
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	level := mustCell(t, root, "level")
	if got := mustValue(t, level); got != 5.0 {
		t.Fatalf("level = %v, want 5", got)
	}
	if err := level.Set(11.0); !tree.IsValidation(err) {
		t.Errorf("Set(11) error = %v, want validation", err)
	}
	if err := mustCell(t, root, "limit").Set(40.0); err != nil {
		t.Fatalf("Set(limit) error = %v", err)
	}
	if got := mustValue(t, level); got != 20.0 {
		t.Errorf("level = %v, want 20", got)
	}
}

func TestFailingAvailabilityRule(t *testing.T) {
	broken := &schema.Predicate{
		Eval: func(schema.Scope) (bool, error) { return false, errors.New("name 'mode' is not defined") },
	}
	class := schema.NewClass("sensor",
		schema.Prop("scale", schema.Property{Type: schema.TypeReal, Default: 1.0}),
		schema.Prop("gain", schema.Property{Type: schema.TypeReal, Default: 2.0}).When(broken),
	)

	m, _ := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	var logs bytes.Buffer
	root, err := tree.NewComposite(class, tree.WithMetrics(m), tree.WithLocalLogger(zerolog.New(&logs)))
	if err != nil {
		t.Fatalf("NewComposite() error = %v", err)
	}

	ok, err := root.CheckAvailable("gain")
	if ok || !tree.IsSchema(err) {
		t.Errorf("CheckAvailable() = %v, %v; want schema error", ok, err)
	}
	if root.Available("gain") {
		t.Error("Available() = true for a failing rule")
	}
	if got := m.Sample("rule_errors_total", map[string]string{"kind": "availability"}); got != 1 {
		t.Errorf("rule_errors_total = %v, want 1", got)
	}
	if !strings.Contains(logs.String(), "availability rule failed") || !strings.Contains(logs.String(), "/gain") {
		t.Errorf("log = %q", logs.String())
	}

	if ok, err := root.CheckAvailable("scale"); !ok || err != nil {
		t.Errorf("CheckAvailable(scale) = %v, %v", ok, err)
	}
}
