package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mapScope resolves rule lookups from fixed tables.
type mapScope struct {
	values  map[string]Value
	ranges  map[string]*Range
	allowed map[string][]Value
}

func (s *mapScope) Value(rel string) (Value, error) {
	v, ok := s.values[rel]
	if !ok {
		return nil, fmt.Errorf("no cell %q", rel)
	}
	return v, nil
}

func (s *mapScope) Range(rel string) (*Range, error) {
	return s.ranges[rel], nil
}

func (s *mapScope) AllowedValues(rel string) ([]Value, error) {
	return s.allowed[rel], nil
}

func TestClassValidate(t *testing.T) {
	leaf := func() *Child { return Prop("x", Property{Type: TypeReal}) }

	recursive := NewClass("node")
	recursive.Add(Collection("children", recursive))

	selfComposite := NewClass("loop")
	selfComposite.Add(Object("again", selfComposite))

	tests := []struct {
		name    string
		class   *Class
		wantErr string
	}{
		{name: "valid", class: NewClass("ok", leaf())},
		{name: "collection may recurse", class: recursive},
		{name: "composite cycle", class: selfComposite, wantErr: "contains itself"},
		{name: "duplicate child", class: NewClass("dup", leaf(), leaf()), wantErr: "duplicate"},
		{
			name:    "reserved character",
			class:   NewClass("bad", Prop("a.range", Property{Type: TypeReal})),
			wantErr: "contains one of",
		},
		{
			name:    "range on string",
			class:   NewClass("bad", Prop("s", Property{Type: TypeString, Range: &Range{Max: 1}})),
			wantErr: "range declared",
		},
		{
			name:    "default outside range",
			class:   NewClass("bad", Prop("p", Property{Type: TypeInteger, Default: 5, Range: &Range{Min: 0, Max: 1}})),
			wantErr: "default",
		},
		{
			name:    "allowed value of wrong type",
			class:   NewClass("bad", Prop("p", Property{Type: TypeString, AllowedValues: []Value{1}})),
			wantErr: "allowed value",
		},
		{
			name:    "collection without class",
			class:   NewClass("bad", &Child{Name: "c", Kind: KindCollection}),
			wantErr: "member class",
		},
		{
			name:    "unknown kind",
			class:   NewClass("bad", &Child{Name: "c", Kind: "table"}),
			wantErr: "invalid kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.class.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNormalizesDefaults(t *testing.T) {
	p := &Property{Type: TypeRealList, Default: []interface{}{0, 0, 1}}
	if err := ValidateProperty(p, "normal"); err != nil {
		t.Fatalf("ValidateProperty() error = %v", err)
	}
	if _, ok := p.Default.([]float64); !ok {
		t.Errorf("Default = %T, want []float64", p.Default)
	}
}

func TestGoRules(t *testing.T) {
	scope := &mapScope{
		values: map[string]Value{"field": "temperature"},
		ranges: map[string]*Range{"": {Min: 20, Max: 30}},
	}

	v, err := Midpoint("field").Eval(scope)
	if err != nil {
		t.Fatalf("Midpoint() error = %v", err)
	}
	if v != 25.0 {
		t.Errorf("Midpoint() = %v, want 25", v)
	}

	table := map[string]Value{
		"pressure":    Range{Min: 0, Max: 100},
		"temperature": Range{Min: 20, Max: 30},
	}
	v, err = Lookup("field", table).Eval(scope)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if v != (Range{Min: 20, Max: 30}) {
		t.Errorf("Lookup() = %v", v)
	}

	ok, err := Equals("field", "temperature").Eval(scope)
	if err != nil || !ok {
		t.Errorf("Equals() = %v, %v", ok, err)
	}
	ok, _ = Equals("field", "pressure").Eval(scope)
	if ok {
		t.Error("Equals() matched a different value")
	}
}

func TestExprRule(t *testing.T) {
	scope := &mapScope{
		values:  map[string]Value{"field": "pressure", "definition/type": "iso-surface"},
		ranges:  map[string]*Range{"": {Min: 0, Max: 100}},
		allowed: map[string][]Value{"field": {"pressure", "temperature"}},
	}

	tests := []struct {
		name string
		expr string
		want Value
	}{
		{name: "midpoint of own range", expr: "midpoint(bounds())", want: 50.0},
		{
			name: "table lookup",
			expr: `{"pressure": [0, 100], "temperature": [20, 30]}[value("field")]`,
			want: []Value{int64(0), int64(100)},
		},
		{name: "allowed values", expr: `len(allowed("field"))`, want: int64(2)},
		{name: "nested path", expr: `value("definition/type")`, want: "iso-surface"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := ExprRule(tt.expr, []string{"field"})
			if err != nil {
				t.Fatalf("ExprRule() error = %v", err)
			}
			got, err := rule.Eval(scope)
			if err != nil {
				t.Fatalf("Eval() error = %v", err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("Eval() = %#v, want %#v", got, tt.want)
			}
		})
	}

	if _, err := ExprRule("value(", nil); err == nil {
		t.Error("expected syntax error")
	}
	if _, err := ExprRule("undefined_name", nil); err == nil {
		t.Error("expected resolve error")
	}

	loop, err := ExprRule("[x for x in range(100000000)]", nil)
	if err != nil {
		t.Fatalf("ExprRule() error = %v", err)
	}
	if _, err := loop.Eval(scope); err == nil {
		t.Error("expected step limit error")
	}
}

func TestExprPredicate(t *testing.T) {
	pred, err := ExprPredicate(`value("definition/type") == "plane-surface"`, []string{"definition/type"})
	if err != nil {
		t.Fatalf("ExprPredicate() error = %v", err)
	}

	scope := &mapScope{values: map[string]Value{"definition/type": "iso-surface"}}
	if ok, err := pred.Eval(scope); err != nil || ok {
		t.Errorf("Eval() = %v, %v, want false", ok, err)
	}
	scope.values["definition/type"] = "plane-surface"
	if ok, err := pred.Eval(scope); err != nil || !ok {
		t.Errorf("Eval() = %v, %v, want true", ok, err)
	}
}

func TestExprCommand(t *testing.T) {
	scope := &mapScope{values: map[string]Value{"iso_value": 12.5}}

	tests := []struct {
		name    string
		expr    string
		args    map[string]Value
		want    Value
		wantErr bool
	}{
		{name: "argument", expr: `arg("window") * 2`, args: map[string]Value{"window": int64(3)}, want: int64(6)},
		{name: "missing argument is None", expr: `arg("window") == None`, want: true},
		{name: "reads the tree", expr: `value("iso_value") + 1`, want: 13.5},
		{name: "struct result", expr: `{"ok": True, "n": len(str(arg("tag")))}`, args: map[string]Value{"tag": "abc"}, want: map[string]Value{"n": int64(3), "ok": true}},
		{name: "runtime error", expr: `value("missing")`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := ExprCommand(tt.expr)
			if err != nil {
				t.Fatalf("ExprCommand() error = %v", err)
			}
			got, err := fn(context.Background(), scope, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("run error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("run = %#v, want %#v", got, tt.want)
			}
		})
	}

	rule, err := ExprRule(`arg("window")`, nil)
	if err != nil {
		t.Fatalf("ExprRule() error = %v", err)
	}
	if _, err := rule.Eval(scope); err == nil {
		t.Error("arg() outside a command should fail")
	}
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func TestLoadYAML(t *testing.T) {
	l := newTestLoader(t)
	reg, err := l.LoadPaths(context.Background(), []string{"testdata/graphics.yaml"})
	if err != nil {
		t.Fatalf("LoadPaths() error = %v", err)
	}

	root, err := reg.Root()
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	if root.Name != "graphics" {
		t.Errorf("root = %s, want graphics", root.Name)
	}

	contour, ok := root.Child("contour")
	if !ok || contour.Kind != KindCollection {
		t.Fatalf("contour child = %+v", contour)
	}
	if _, ok := contour.Class.NameProperty(); !ok {
		t.Error("contour members should carry a name property")
	}

	iso, _ := contour.Class.Child("iso_value")
	rng, err := iso.Property.RangeRule.Eval(&mapScope{values: map[string]Value{"field": "temperature"}})
	if err != nil {
		t.Fatalf("range rule error = %v", err)
	}
	r, err := ToRange(rng)
	if err != nil || *r != (Range{Min: 20, Max: 30}) {
		t.Errorf("range rule = %v, %v", rng, err)
	}

	plane, _ := contour.Class.Child("plane_surface")
	if plane.Available == nil {
		t.Fatal("plane_surface should have an availability predicate")
	}

	display, _ := contour.Class.Child("display")
	window, ok := display.Command.Arg("window")
	if !ok || window.Default != int64(1) {
		t.Errorf("window arg = %+v", window)
	}
	if display.Command.Handler == nil {
		t.Fatal("display should have a result handler")
	}
	out, err := display.Command.Handler(context.Background(),
		&mapScope{values: map[string]Value{"field": "pressure"}},
		map[string]Value{"window": int64(2)})
	if err != nil || out != "window 2: pressure" {
		t.Errorf("display() = %v, %v", out, err)
	}

	normal, _ := plane.Class.Child("normal")
	if _, ok := normal.Property.Default.([]float64); !ok {
		t.Errorf("normal default = %T, want []float64", normal.Property.Default)
	}
}

func TestLoadCUE(t *testing.T) {
	l := newTestLoader(t)
	reg, err := l.LoadPaths(context.Background(), []string{"testdata/graphics.cue"})
	if err != nil {
		t.Fatalf("LoadPaths() error = %v", err)
	}

	contour, ok := reg.Class("contour")
	if !ok {
		t.Fatal("contour class not registered")
	}
	field, _ := contour.Child("field")
	if len(field.Property.AllowedValues) != 2 {
		t.Errorf("allowed values = %v", field.Property.AllowedValues)
	}
	iso, _ := contour.Child("iso_value")
	if iso.Property.Derive == nil || iso.Property.Derive.Source != "midpoint(bounds())" {
		t.Errorf("derive = %+v", iso.Property.Derive)
	}
}

func TestLoadCUERejectsPropertyWithoutType(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.LoadPaths(context.Background(), []string{"testdata/invalid"})
	if err == nil {
		t.Fatal("expected error for property without type")
	}
}

func TestLoadYAMLUnknownClass(t *testing.T) {
	_, err := DecodeYAML("inline.yaml", []byte(`
classes:
  - name: a
    children:
      - name: b
        kind: composite
`))
	if err == nil {
		t.Fatal("expected validation error for composite without class")
	}

	doc, err := DecodeYAML("inline.yaml", []byte(`
classes:
  - name: a
    children:
      - name: b
        kind: composite
        class: missing
`))
	if err != nil {
		t.Fatalf("DecodeYAML() error = %v", err)
	}
	if err := NewRegistry().AddDocuments(doc); err == nil || !strings.Contains(err.Error(), "unknown class") {
		t.Errorf("AddDocuments() error = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	c := NewClass("solver", Prop("iterations", Property{Type: TypeInteger, Default: 100}))

	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(c); err == nil {
		t.Error("expected duplicate registration error")
	}
	if _, err := reg.Root(); err == nil {
		t.Error("expected error without root")
	}
	if err := reg.SetRoot("missing"); err == nil {
		t.Error("expected error for unknown root")
	}
	if err := reg.SetRoot("solver"); err != nil {
		t.Fatalf("SetRoot() error = %v", err)
	}
	if got, _ := reg.Root(); got != c {
		t.Error("Root() returned a different class")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "schema.yaml")
	write := func(name string) {
		t.Helper()
		content := fmt.Sprintf("root: %s\nclasses:\n  - name: %s\n    children: []\n", name, name)
		if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	write("first")

	l := newTestLoader(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Registry, 4)
	if err := l.Watch(ctx, []string{dir}, func(r *Registry) error {
		reloaded <- r
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	write("second")

	select {
	case reg := <-reloaded:
		root, err := reg.Root()
		if err != nil || root.Name != "second" {
			t.Errorf("reloaded root = %v, %v", root, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
