package schema

import "fmt"

// Midpoint derives a value as the center of the owning cell's current range.
// deps should list whatever the range itself is derived from.
func Midpoint(deps ...string) *Rule {
	return &Rule{
		DependsOn: deps,
		Source:    "midpoint(bounds())",
		Eval: func(s Scope) (Value, error) {
			r, err := s.Range("")
			if err != nil {
				return nil, err
			}
			if r == nil {
				return nil, fmt.Errorf("midpoint: no range declared")
			}
			return r.Midpoint(), nil
		},
	}
}

// Mirror derives a value equal to the current value of another cell.
func Mirror(dep string) *Rule {
	return &Rule{
		DependsOn: []string{dep},
		Source:    fmt.Sprintf("value(%q)", dep),
		Eval: func(s Scope) (Value, error) {
			return s.Value(dep)
		},
	}
}

// Lookup derives a result by using the value of dep as a key into table.
// It is the usual shape of a range or allowed-values rule that depends on a
// selector cell.
func Lookup(dep string, table map[string]Value) *Rule {
	return &Rule{
		DependsOn: []string{dep},
		Source:    fmt.Sprintf("table[value(%q)]", dep),
		Eval: func(s Scope) (Value, error) {
			v, err := s.Value(dep)
			if err != nil {
				return nil, err
			}
			key := fmt.Sprint(v)
			out, ok := table[key]
			if !ok {
				return nil, fmt.Errorf("lookup: no entry for %s=%q", dep, key)
			}
			return out, nil
		},
	}
}

// Equals is a predicate that holds while the cell at dep has value want.
func Equals(dep string, want Value) *Predicate {
	return &Predicate{
		DependsOn: []string{dep},
		Source:    fmt.Sprintf("value(%q) == %#v", dep, want),
		Eval: func(s Scope) (bool, error) {
			v, err := s.Value(dep)
			if err != nil {
				return false, err
			}
			return Equal(v, want), nil
		},
	}
}
