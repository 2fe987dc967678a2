package schema

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Document is the serialized form of a set of classes, as written in YAML or
// CUE schema files.
type Document struct {
	// Root names the class of the tree root. Optional when another document
	// of the same load sets it.
	Root string `json:"root,omitempty" yaml:"root,omitempty"`

	// Classes are the class declarations. Class references are resolved by
	// name across every document of one load.
	Classes []ClassDoc `json:"classes" yaml:"classes" validate:"required,min=1,dive"`
}

// ClassDoc declares one class.
type ClassDoc struct {
	Name     string     `json:"name" yaml:"name" validate:"required"`
	Doc      string     `json:"doc,omitempty" yaml:"doc,omitempty"`
	Children []ChildDoc `json:"children" yaml:"children" validate:"dive"`
}

// ChildDoc declares one child of a class.
type ChildDoc struct {
	Name string `json:"name" yaml:"name" validate:"required,excludesall=/:."`
	Kind Kind   `json:"kind" yaml:"kind" validate:"required,oneof=property composite collection command"`

	// Type, Default, ReadOnly and the constraint fields apply to properties.
	Type          Type          `json:"type,omitempty" yaml:"type,omitempty" validate:"required_if=Kind property"`
	Default       interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	ReadOnly      bool          `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Range         []float64     `json:"range,omitempty" yaml:"range,omitempty" validate:"omitempty,len=2"`
	AllowedValues []interface{} `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`

	Derive            *RuleDoc `json:"derive,omitempty" yaml:"derive,omitempty"`
	RangeRule         *RuleDoc `json:"range_rule,omitempty" yaml:"range_rule,omitempty"`
	AllowedValuesRule *RuleDoc `json:"allowed_values_rule,omitempty" yaml:"allowed_values_rule,omitempty"`

	// Class names the class of a composite, or the member class of a
	// collection.
	Class string `json:"class,omitempty" yaml:"class,omitempty" validate:"required_if=Kind composite,required_if=Kind collection"`

	// Args declares command arguments.
	Args []ArgDoc `json:"args,omitempty" yaml:"args,omitempty" validate:"dive"`

	// Result is evaluated when a local tree or the development server runs
	// the command.
	Result string `json:"result,omitempty" yaml:"result,omitempty"`

	AvailableWhen *RuleDoc `json:"available_when,omitempty" yaml:"available_when,omitempty"`

	Doc string `json:"doc,omitempty" yaml:"doc,omitempty"`
}

// ArgDoc declares one command argument.
type ArgDoc struct {
	Name          string        `json:"name" yaml:"name" validate:"required"`
	Type          Type          `json:"type" yaml:"type" validate:"required"`
	Required      bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Default       interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	Range         []float64     `json:"range,omitempty" yaml:"range,omitempty" validate:"omitempty,len=2"`
	AllowedValues []interface{} `json:"allowed_values,omitempty" yaml:"allowed_values,omitempty"`
	Doc           string        `json:"doc,omitempty" yaml:"doc,omitempty"`
}

// RuleDoc is a Starlark expression with its declared dependencies.
type RuleDoc struct {
	Expr      string   `json:"expr" yaml:"expr" validate:"required"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

var docValidator = validator.New()

// Validate checks the struct-level constraints of the document.
func (d *Document) Validate() error {
	if err := docValidator.Struct(d); err != nil {
		return fmt.Errorf("invalid schema document: %w", err)
	}
	return nil
}

// compile turns documents into classes. Class references may point into
// any of docs or to classes already known by lookup.
func compile(docs []*Document, lookup func(string) (*Class, bool)) ([]*Class, string, error) {
	shells := make(map[string]*Class)
	var order []*Class
	var root string

	for _, d := range docs {
		if err := d.Validate(); err != nil {
			return nil, "", err
		}
		if d.Root != "" {
			if root != "" && root != d.Root {
				return nil, "", fmt.Errorf("conflicting roots %q and %q", root, d.Root)
			}
			root = d.Root
		}
		for _, cd := range d.Classes {
			if _, dup := shells[cd.Name]; dup {
				return nil, "", fmt.Errorf("class %q declared twice", cd.Name)
			}
			c := &Class{Name: cd.Name, Doc: cd.Doc}
			shells[cd.Name] = c
			order = append(order, c)
		}
	}

	resolve := func(name string) (*Class, error) {
		if c, ok := shells[name]; ok {
			return c, nil
		}
		if lookup != nil {
			if c, ok := lookup(name); ok {
				return c, nil
			}
		}
		return nil, fmt.Errorf("unknown class %q", name)
	}

	for _, d := range docs {
		for _, cd := range d.Classes {
			c := shells[cd.Name]
			for _, chd := range cd.Children {
				ch, err := compileChild(chd, resolve)
				if err != nil {
					return nil, "", fmt.Errorf("%s/%s: %w", cd.Name, chd.Name, err)
				}
				c.Children = append(c.Children, ch)
			}
		}
	}

	return order, root, nil
}

func compileChild(d ChildDoc, resolve func(string) (*Class, error)) (*Child, error) {
	ch := &Child{Name: d.Name, Kind: d.Kind, Doc: d.Doc}

	switch d.Kind {
	case KindProperty:
		p, err := compileProperty(d)
		if err != nil {
			return nil, err
		}
		ch.Property = p

	case KindComposite, KindCollection:
		c, err := resolve(d.Class)
		if err != nil {
			return nil, err
		}
		ch.Class = c

	case KindCommand:
		cmd := &Command{Doc: d.Doc}
		for _, ad := range d.Args {
			a := &Argument{
				Name:     ad.Name,
				Required: ad.Required,
				Property: Property{
					Type:          ad.Type,
					Default:       ad.Default,
					AllowedValues: ad.AllowedValues,
					Doc:           ad.Doc,
				},
			}
			if len(ad.Range) == 2 {
				a.Range = &Range{Min: ad.Range[0], Max: ad.Range[1]}
			}
			cmd.Args = append(cmd.Args, a)
		}
		if d.Result != "" {
			fn, err := ExprCommand(d.Result)
			if err != nil {
				return nil, fmt.Errorf("command %s: %w", d.Name, err)
			}
			cmd.Handler = fn
		}
		ch.Command = cmd
	}

	if d.AvailableWhen != nil {
		p, err := ExprPredicate(d.AvailableWhen.Expr, d.AvailableWhen.DependsOn)
		if err != nil {
			return nil, err
		}
		ch.Available = p
	}

	return ch, nil
}

func compileProperty(d ChildDoc) (*Property, error) {
	p := &Property{
		Type:          d.Type,
		Default:       d.Default,
		ReadOnly:      d.ReadOnly,
		AllowedValues: d.AllowedValues,
		Doc:           d.Doc,
	}
	if len(d.Range) == 2 {
		p.Range = &Range{Min: d.Range[0], Max: d.Range[1]}
	}

	var err error
	if d.Derive != nil {
		if p.Derive, err = ExprRule(d.Derive.Expr, d.Derive.DependsOn); err != nil {
			return nil, err
		}
	}
	if d.RangeRule != nil {
		if p.RangeRule, err = ExprRule(d.RangeRule.Expr, d.RangeRule.DependsOn); err != nil {
			return nil, err
		}
	}
	if d.AllowedValuesRule != nil {
		if p.AllowedValuesRule, err = ExprRule(d.AllowedValuesRule.Expr, d.AllowedValuesRule.DependsOn); err != nil {
			return nil, err
		}
	}
	return p, nil
}
