package schema

import (
	"fmt"
	"strings"
)

// reservedChars may not appear in child names: they are path and state key
// separators.
const reservedChars = "/:."

// Validate checks the class and every class reachable from it. Composite
// children may not form a cycle, since they are built eagerly; collections
// may refer back to an enclosing class.
func (c *Class) Validate() error {
	v := &classValidator{
		building: make(map[*Class]bool),
		done:     make(map[*Class]bool),
	}
	return v.class(c, c.Name)
}

type classValidator struct {
	building map[*Class]bool
	done     map[*Class]bool
}

func (v *classValidator) class(c *Class, where string) error {
	if c == nil {
		return fmt.Errorf("%s: nil class", where)
	}
	if v.done[c] {
		return nil
	}
	if v.building[c] {
		return fmt.Errorf("%s: class %q contains itself through composite children", where, c.Name)
	}
	v.building[c] = true
	defer delete(v.building, c)

	seen := make(map[string]bool, len(c.Children))
	for _, ch := range c.Children {
		at := where + "/" + ch.Name
		if ch.Name == "" {
			return fmt.Errorf("%s: child with empty name", where)
		}
		if strings.ContainsAny(ch.Name, reservedChars) {
			return fmt.Errorf("%s: child name contains one of %q", at, reservedChars)
		}
		if seen[ch.Name] {
			return fmt.Errorf("%s: duplicate child", at)
		}
		seen[ch.Name] = true

		if err := ch.Kind.Validate(); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
		if err := v.child(ch, at); err != nil {
			return err
		}
	}

	v.done[c] = true
	return nil
}

func (v *classValidator) child(ch *Child, at string) error {
	switch ch.Kind {
	case KindProperty:
		if ch.Property == nil {
			return fmt.Errorf("%s: property child without declaration", at)
		}
		return ValidateProperty(ch.Property, at)

	case KindComposite:
		return v.class(ch.Class, at)

	case KindCollection:
		if ch.Class == nil {
			return fmt.Errorf("%s: collection without member class", at)
		}
		// Members are built lazily, so the member class may recurse.
		if v.building[ch.Class] {
			return nil
		}
		return v.class(ch.Class, at)

	case KindCommand:
		if ch.Command == nil {
			return fmt.Errorf("%s: command child without declaration", at)
		}
		seen := make(map[string]bool, len(ch.Command.Args))
		for _, a := range ch.Command.Args {
			if a.Name == "" {
				return fmt.Errorf("%s: argument with empty name", at)
			}
			if seen[a.Name] {
				return fmt.Errorf("%s: duplicate argument %q", at, a.Name)
			}
			seen[a.Name] = true
			if err := ValidateProperty(&a.Property, at+"("+a.Name+")"); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateProperty checks a property declaration and normalizes its static
// constraints and default to the declared type.
func ValidateProperty(p *Property, at string) error {
	if err := p.Type.Validate(); err != nil {
		return fmt.Errorf("%s: %w", at, err)
	}
	if p.Range != nil {
		if !p.Type.IsNumeric() {
			return fmt.Errorf("%s: range declared on %s property", at, p.Type)
		}
		if p.Range.Min > p.Range.Max {
			return fmt.Errorf("%s: range %s is empty", at, p.Range)
		}
	}
	if p.RangeRule != nil && !p.Type.IsNumeric() {
		return fmt.Errorf("%s: range rule declared on %s property", at, p.Type)
	}
	for i, a := range p.AllowedValues {
		cv, err := Coerce(p.Type.Elem(), a)
		if err != nil {
			return fmt.Errorf("%s: allowed value %d: %w", at, i, err)
		}
		p.AllowedValues[i] = cv
	}
	for _, r := range p.Rules() {
		if r.Eval == nil {
			return fmt.Errorf("%s: rule without evaluator", at)
		}
		for _, dep := range r.DependsOn {
			if dep == "" {
				return fmt.Errorf("%s: empty dependency path", at)
			}
		}
	}
	if p.Default != nil {
		cv, err := p.CheckStatic(p.Default)
		if err != nil {
			return fmt.Errorf("%s: default: %w", at, err)
		}
		p.Default = cv
	}
	return nil
}
