package schema

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		input   Value
		want    Value
		wantErr bool
	}{
		{name: "int to integer", typ: TypeInteger, input: 3, want: int64(3)},
		{name: "integral float to integer", typ: TypeInteger, input: 3.0, want: int64(3)},
		{name: "fractional float to integer", typ: TypeInteger, input: 3.5, wantErr: true},
		{name: "json number to real", typ: TypeReal, input: json.Number("2.5"), want: 2.5},
		{name: "int to real", typ: TypeReal, input: 7, want: float64(7)},
		{name: "string to real", typ: TypeReal, input: "7", wantErr: true},
		{name: "bool", typ: TypeBoolean, input: true, want: true},
		{name: "string to bool", typ: TypeBoolean, input: "true", wantErr: true},
		{name: "nil", typ: TypeString, input: nil, wantErr: true},
		{
			name:  "any list to string list",
			typ:   TypeStringList,
			input: []interface{}{"a", "b"},
			want:  []string{"a", "b"},
		},
		{
			name:  "mixed numbers to real list",
			typ:   TypeRealList,
			input: []interface{}{0, 0.5, int64(1)},
			want:  []float64{0, 0.5, 1},
		},
		{
			name:    "bad element",
			typ:     TypeIntegerList,
			input:   []interface{}{1, "two"},
			wantErr: true,
		},
		{
			name:  "map",
			typ:   TypeMap,
			input: map[string]string{"k": "v"},
			want:  map[string]Value{"k": "v"},
		},
		{name: "any passes through", typ: TypeAny, input: struct{}{}, want: struct{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.typ, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Coerce() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if _, ok := err.(*ConstraintError); !ok {
					t.Errorf("error type = %T, want *ConstraintError", err)
				}
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Coerce() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestCheckStatic(t *testing.T) {
	temperature := &Property{Type: TypeReal, Range: &Range{Min: 20, Max: 30}}
	fields := &Property{Type: TypeStringList, AllowedValues: []Value{"pressure", "temperature"}}
	if err := ValidateProperty(fields, "fields"); err != nil {
		t.Fatalf("ValidateProperty() error = %v", err)
	}

	tests := []struct {
		name     string
		prop     *Property
		input    Value
		wantCode string
	}{
		{name: "lower bound inclusive", prop: temperature, input: 20},
		{name: "upper bound inclusive", prop: temperature, input: 30.0},
		{name: "below range", prop: temperature, input: 19.99, wantCode: CodeOutOfRange},
		{name: "above range", prop: temperature, input: 31, wantCode: CodeOutOfRange},
		{name: "every element allowed", prop: fields, input: []string{"pressure", "temperature"}},
		{name: "one element not allowed", prop: fields, input: []string{"pressure", "density"}, wantCode: CodeNotAllowed},
		{name: "wrong type", prop: fields, input: 5, wantCode: CodeTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.prop.CheckStatic(tt.input)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("CheckStatic() error = %v", err)
				}
				return
			}
			ce, ok := err.(*ConstraintError)
			if !ok {
				t.Fatalf("CheckStatic() error = %v, want *ConstraintError", err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", ce.Code, tt.wantCode)
			}
		})
	}
}

func TestCheckArgs(t *testing.T) {
	cmd := &Command{
		Args: []*Argument{
			{Name: "window", Property: Property{Type: TypeInteger, Default: int64(1), Range: &Range{Min: 0, Max: 16}}},
			{Name: "file", Required: true, Property: Property{Type: TypeString}},
		},
	}

	got, err := cmd.CheckArgs(map[string]Value{"file": "out.png"})
	if err != nil {
		t.Fatalf("CheckArgs() error = %v", err)
	}
	if got["window"] != int64(1) {
		t.Errorf("window default = %v, want 1", got["window"])
	}

	tests := []struct {
		name     string
		args     map[string]Value
		wantCode string
	}{
		{name: "missing required", args: map[string]Value{}, wantCode: CodeRequired},
		{name: "unknown", args: map[string]Value{"file": "x", "dpi": 300}, wantCode: CodeUnknown},
		{name: "out of range", args: map[string]Value{"file": "x", "window": 17}, wantCode: CodeOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cmd.CheckArgs(tt.args)
			ce, ok := err.(*ConstraintError)
			if !ok {
				t.Fatalf("CheckArgs() error = %v, want *ConstraintError", err)
			}
			if ce.Code != tt.wantCode {
				t.Errorf("Code = %s, want %s", ce.Code, tt.wantCode)
			}
		})
	}
}

func TestToRange(t *testing.T) {
	r, err := ToRange([]interface{}{int64(20), 30.0})
	if err != nil {
		t.Fatalf("ToRange() error = %v", err)
	}
	if *r != (Range{Min: 20, Max: 30}) {
		t.Errorf("ToRange() = %v", r)
	}
	if r.Midpoint() != 25 {
		t.Errorf("Midpoint() = %v, want 25", r.Midpoint())
	}

	if _, err := ToRange([]float64{3, 1}); err == nil {
		t.Error("expected error for inverted bounds")
	}
	if _, err := ToRange("wide"); err == nil {
		t.Error("expected error for non-list")
	}
}
