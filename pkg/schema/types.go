package schema

import (
	"context"
	"fmt"
)

// Value is any state value exchanged with a tree: bool, int64, float64,
// string, typed slices of those, map[string]Value, or nil.
type Value = any

// Kind tags every declared child. Builders switch on it; nothing inspects
// Go types to decide what a child is.
type Kind string

const (
	// KindProperty is a leaf holding a single typed value.
	KindProperty Kind = "property"
	// KindComposite is a fixed, singleton subtree.
	KindComposite Kind = "composite"
	// KindCollection is a name-keyed collection of members of one class.
	KindCollection Kind = "collection"
	// KindCommand is an executable entry point.
	KindCommand Kind = "command"
)

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	switch k {
	case KindProperty, KindComposite, KindCollection, KindCommand:
		return nil
	default:
		return fmt.Errorf("invalid kind: %q", k)
	}
}

// Type is the declared value type of a property or command argument.
type Type string

const (
	TypeBoolean     Type = "boolean"
	TypeInteger     Type = "integer"
	TypeReal        Type = "real"
	TypeString      Type = "string"
	TypeBooleanList Type = "boolean-list"
	TypeIntegerList Type = "integer-list"
	TypeRealList    Type = "real-list"
	TypeStringList  Type = "string-list"
	TypeMap         Type = "map"
	TypeAny         Type = "any"
)

// Validate checks if the type is known.
func (t Type) Validate() error {
	switch t {
	case TypeBoolean, TypeInteger, TypeReal, TypeString,
		TypeBooleanList, TypeIntegerList, TypeRealList, TypeStringList,
		TypeMap, TypeAny:
		return nil
	default:
		return fmt.Errorf("invalid type: %q", t)
	}
}

// IsList reports whether values of t are lists.
func (t Type) IsList() bool {
	switch t {
	case TypeBooleanList, TypeIntegerList, TypeRealList, TypeStringList:
		return true
	}
	return false
}

// Elem returns the element type of a list type, or t itself.
func (t Type) Elem() Type {
	switch t {
	case TypeBooleanList:
		return TypeBoolean
	case TypeIntegerList:
		return TypeInteger
	case TypeRealList:
		return TypeReal
	case TypeStringList:
		return TypeString
	}
	return t
}

// IsNumeric reports whether t, or its element type, is a number.
func (t Type) IsNumeric() bool {
	e := t.Elem()
	return e == TypeInteger || e == TypeReal
}

// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether Min <= v <= Max.
func (r Range) Contains(v float64) bool {
	return r.Min <= v && v <= r.Max
}

// Midpoint returns the center of the interval.
func (r Range) Midpoint() float64 {
	return (r.Min + r.Max) / 2
}

// Slice renders the range as a two element list, the shape used in state
// snapshots and on the wire.
func (r Range) Slice() []float64 {
	return []float64{r.Min, r.Max}
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// Scope gives rules read access to the tree around the node that owns them.
//
// Relative paths are "/"-separated child names resolved from the composite
// that declares the rule; ".." steps to its parent. The empty path addresses
// the owning cell itself and is only meaningful for Range and AllowedValues.
type Scope interface {
	Value(rel string) (Value, error)
	Range(rel string) (*Range, error)
	AllowedValues(rel string) ([]Value, error)
}

// Rule derives a value (or a constraint) from other cells.
type Rule struct {
	// DependsOn lists relative paths of the cells the result is computed
	// from. Changing any of them invalidates the cached result.
	DependsOn []string
	// Eval computes the result.
	Eval func(s Scope) (Value, error)
	// Source is the expression text for rules loaded from documents.
	Source string
}

// Predicate decides whether a child is currently exposed.
type Predicate struct {
	DependsOn []string
	Eval      func(s Scope) (bool, error)
	Source    string
}

// Property declares a leaf value.
type Property struct {
	Type     Type
	Default  Value
	ReadOnly bool

	// Range and AllowedValues are static constraints.
	Range         *Range
	AllowedValues []Value

	// RangeRule and AllowedValuesRule derive constraints at read time. They
	// take precedence over the static ones.
	RangeRule         *Rule
	AllowedValuesRule *Rule

	// Derive computes the value when nothing has been set.
	Derive *Rule

	Doc string
}

// HasConstraints reports whether any range or allowed values are declared.
func (p *Property) HasConstraints() bool {
	return p.HasRange() || p.HasAllowedValues()
}

// HasRange reports whether a static or derived range is declared.
func (p *Property) HasRange() bool {
	return p.Range != nil || p.RangeRule != nil
}

// HasAllowedValues reports whether static or derived allowed values are
// declared.
func (p *Property) HasAllowedValues() bool {
	return len(p.AllowedValues) > 0 || p.AllowedValuesRule != nil
}

// Rules returns the non-nil rules of the property.
func (p *Property) Rules() []*Rule {
	var rules []*Rule
	for _, r := range []*Rule{p.Derive, p.RangeRule, p.AllowedValuesRule} {
		if r != nil {
			rules = append(rules, r)
		}
	}
	return rules
}

// Argument declares one command argument.
type Argument struct {
	Name     string
	Required bool
	Property
}

// CommandFunc runs a command bound to a local tree. s is scoped to the
// composite that owns the command.
type CommandFunc func(ctx context.Context, s Scope, args map[string]Value) (Value, error)

// Command declares an executable child.
type Command struct {
	Args []*Argument
	// Handler runs the command on local trees. Remote trees forward to the
	// authority and ignore it.
	Handler CommandFunc
	Doc     string
}

// Arg returns the declared argument with the given name.
func (c *Command) Arg(name string) (*Argument, bool) {
	for _, a := range c.Args {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// Child is one declared entry of a class.
type Child struct {
	Name string
	Kind Kind

	Property *Property // KindProperty
	Class    *Class    // KindComposite, or the member class for KindCollection
	Command  *Command  // KindCommand

	// Available, when set, hides the child while it evaluates to false.
	Available *Predicate

	Doc string
}

// When attaches an availability predicate and returns c.
func (c *Child) When(p *Predicate) *Child {
	c.Available = p
	return c
}

// Describe sets the doc string and returns c.
func (c *Child) Describe(doc string) *Child {
	c.Doc = doc
	return c
}

// Prop declares a property child.
func Prop(name string, p Property) *Child {
	return &Child{Name: name, Kind: KindProperty, Property: &p}
}

// Object declares a singleton composite child.
func Object(name string, class *Class) *Child {
	return &Child{Name: name, Kind: KindComposite, Class: class}
}

// Collection declares a named collection whose members are instances of
// member.
func Collection(name string, member *Class) *Child {
	return &Child{Name: name, Kind: KindCollection, Class: member}
}

// Cmd declares a command child.
func Cmd(name string, c Command) *Child {
	return &Child{Name: name, Kind: KindCommand, Command: &c}
}

// Class is the shape of a composite node: an ordered list of children.
type Class struct {
	Name     string
	Doc      string
	Children []*Child
}

// NewClass creates a class with children in declaration order.
func NewClass(name string, children ...*Child) *Class {
	return &Class{Name: name, Children: children}
}

// Add appends children and returns c. It lets recursive classes be built in
// two steps.
func (c *Class) Add(children ...*Child) *Class {
	c.Children = append(c.Children, children...)
	return c
}

// Child returns the declared child with the given name.
func (c *Class) Child(name string) (*Child, bool) {
	for _, ch := range c.Children {
		if ch.Name == name {
			return ch, true
		}
	}
	return nil, false
}

// NameProperty returns the "name" property when the class declares one.
// Collection members of such classes carry their own instance name.
func (c *Class) NameProperty() (*Property, bool) {
	ch, ok := c.Child(NameChild)
	if !ok || ch.Kind != KindProperty {
		return nil, false
	}
	return ch.Property, true
}

// NameChild is the child that collection members use to carry their own
// instance name.
const NameChild = "name"
