package tree

import (
	"fmt"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// Cell is a local property: a validated value with optional derivation
// and constraint rules.
//
// Value resolution is pull based. A cached value is returned as is; when
// nothing is cached the derivation rule runs, or the default is used, and
// the result is cached. When any dependency changes, the cache (value,
// range and allowed values) is cleared and the cell's own subscribers are
// told, so invalidation spreads through dependent cells without anything
// being recomputed until the next read.
//
// Cells are not safe for concurrent use.
type Cell struct {
	owner *Composite
	name  string
	decl  *schema.Property

	value    Value
	hasValue bool

	rng      *schema.Range
	hasRange bool

	allowed    []Value
	hasAllowed bool

	deps       []*Cell
	depSubs    []Subscription
	dependents map[*Cell]bool

	subs   []subscriber
	nextID int

	invalidating bool
}

type subscriber struct {
	id int
	fn func()
}

// Subscription is returned by OnChange.
type Subscription struct {
	cell *Cell
	id   int
}

// Cancel removes the callback. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.cell == nil {
		return
	}
	for i, sub := range s.cell.subs {
		if sub.id == s.id {
			s.cell.subs = append(s.cell.subs[:i:i], s.cell.subs[i+1:]...)
			return
		}
	}
}

func newCell(owner *Composite, name string, decl *schema.Property) *Cell {
	return &Cell{
		owner:      owner,
		name:       name,
		decl:       decl,
		dependents: make(map[*Cell]bool),
	}
}

// Name returns the child name of the cell.
func (c *Cell) Name() string {
	return c.name
}

// Path returns the cell's location in the local tree.
func (c *Cell) Path() path.Path {
	return c.owner.Path().Child(c.name)
}

// Declaration returns the property declaration.
func (c *Cell) Declaration() *schema.Property {
	return c.decl
}

// ReadOnly reports whether Set is rejected.
func (c *Cell) ReadOnly() bool {
	return c.decl.ReadOnly
}

// IsCached reports whether a value is cached.
func (c *Cell) IsCached() bool {
	return c.hasValue
}

// Value returns the cached value, or computes it from the derivation rule,
// or falls back to the declared default. Derived values are not checked
// against the constraints. An unset cell without default yields nil.
func (c *Cell) Value() (Value, error) {
	if err := c.owner.check(); err != nil {
		return nil, err
	}
	if c.hasValue {
		return c.value, nil
	}

	if c.decl.Derive != nil {
		c.owner.env.metrics.RecordRuleEvaluation("value")
		v, err := c.decl.Derive.Eval(c.scope())
		if err != nil {
			return nil, c.ruleError("derivation", err)
		}
		if v != nil {
			cv, err := schema.Coerce(c.decl.Type, v)
			if err != nil {
				return nil, c.ruleError("derivation", err)
			}
			v = cv
		}
		c.store(v)
		return v, nil
	}

	c.store(c.decl.Default)
	return c.value, nil
}

// Range returns the current range: the derived one when a range rule is
// declared, else the static one, else nil.
func (c *Cell) Range() (*schema.Range, error) {
	if err := c.owner.check(); err != nil {
		return nil, err
	}
	if c.hasRange {
		return c.rng, nil
	}
	r := c.decl.Range
	if c.decl.RangeRule != nil {
		c.owner.env.metrics.RecordRuleEvaluation("range")
		v, err := c.decl.RangeRule.Eval(c.scope())
		if err != nil {
			return nil, c.ruleError("range", err)
		}
		if r, err = schema.ToRange(v); err != nil {
			return nil, c.ruleError("range", err)
		}
	}
	c.rng, c.hasRange = r, true
	return r, nil
}

// AllowedValues returns the current allowed values: derived when a rule is
// declared, else static, else nil.
func (c *Cell) AllowedValues() ([]Value, error) {
	if err := c.owner.check(); err != nil {
		return nil, err
	}
	if c.hasAllowed {
		return c.allowed, nil
	}
	allowed := c.decl.AllowedValues
	if c.decl.AllowedValuesRule != nil {
		c.owner.env.metrics.RecordRuleEvaluation("allowed_values")
		v, err := c.decl.AllowedValuesRule.Eval(c.scope())
		if err != nil {
			return nil, c.ruleError("allowed values", err)
		}
		allowed = nil
		for _, e := range schema.Elements(v) {
			ce, err := schema.Coerce(c.decl.Type.Elem(), e)
			if err != nil {
				return nil, c.ruleError("allowed values", err)
			}
			allowed = append(allowed, ce)
		}
	}
	c.allowed, c.hasAllowed = allowed, true
	return allowed, nil
}

// Set validates v and stores it, then runs every subscriber in
// registration order. On failure nothing changes.
func (c *Cell) Set(v Value) error {
	if err := c.owner.check(); err != nil {
		return err
	}
	if c.decl.ReadOnly {
		return NewReadOnlyError("property is read-only", nil).WithPath(c.Path())
	}

	cv, err := c.validate(v)
	if err != nil {
		return err
	}

	c.store(cv)
	c.notify()
	return nil
}

// validate coerces v to the declared type and checks it against the
// current range and allowed values.
func (c *Cell) validate(v Value) (Value, error) {
	cv, err := schema.Coerce(c.decl.Type, v)
	if err != nil {
		return nil, c.invalid(err)
	}

	r, err := c.Range()
	if err != nil {
		return nil, err
	}
	if r != nil {
		if err := schema.CheckRange(cv, *r); err != nil {
			return nil, c.invalid(err)
		}
	}

	allowed, err := c.AllowedValues()
	if err != nil {
		return nil, err
	}
	if len(allowed) > 0 {
		if err := schema.CheckAllowed(cv, allowed); err != nil {
			return nil, c.invalid(err)
		}
	}
	return cv, nil
}

func (c *Cell) invalid(err error) *Error {
	c.owner.env.metrics.RecordValidationFailure(constraintCode(err))
	return constraintError("invalid value", err).WithPath(c.Path())
}

func (c *Cell) ruleError(what string, err error) error {
	if _, ok := classOf(err); ok {
		return err
	}
	c.owner.env.metrics.RecordRuleError(what)
	return NewSchemaError(fmt.Sprintf("%s rule failed", what), err).
		WithCode(ErrCodeRuleFailed).
		WithPath(c.Path())
}

// store sets the cached value without validation or notification.
func (c *Cell) store(v Value) {
	c.value = v
	c.hasValue = true
}

// OnChange registers fn to run after every successful Set and every
// invalidation. Callbacks run synchronously in registration order.
func (c *Cell) OnChange(fn func()) Subscription {
	c.nextID++
	c.subs = append(c.subs, subscriber{id: c.nextID, fn: fn})
	return Subscription{cell: c, id: c.nextID}
}

func (c *Cell) notify() {
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	for _, s := range subs {
		s.fn()
	}
}

// Dependencies returns the cells the derived value or derived constraints
// are computed from.
func (c *Cell) Dependencies() []*Cell {
	out := make([]*Cell, len(c.deps))
	copy(out, c.deps)
	return out
}

// Invalidate clears the cached value and constraints and notifies
// subscribers. Re-entrant calls during notification are ignored.
func (c *Cell) Invalidate() {
	if c.invalidating {
		return
	}
	c.invalidating = true
	defer func() { c.invalidating = false }()

	c.value, c.hasValue = nil, false
	c.rng, c.hasRange = nil, false
	c.allowed, c.hasAllowed = nil, false
	c.owner.env.metrics.RecordInvalidation()

	c.notify()
}

// dependOn subscribes c to dep once, however many rules name it.
func (c *Cell) dependOn(dep *Cell) {
	if dep.dependents[c] {
		return
	}
	dep.dependents[c] = true
	c.deps = append(c.deps, dep)
	c.depSubs = append(c.depSubs, dep.OnChange(c.Invalidate))
}

// detach drops c's subscriptions to its dependencies.
func (c *Cell) detach() {
	for i, s := range c.depSubs {
		s.Cancel()
		delete(c.deps[i].dependents, c)
	}
	c.depSubs = nil
	c.deps = nil
}

func (c *Cell) scope() schema.Scope {
	return &cellScope{cell: c}
}

// cellScope resolves rule paths from the cell's owner. The empty path is
// the cell itself.
type cellScope struct {
	cell *Cell
}

func (s *cellScope) Value(rel string) (Value, error) {
	if rel == "" {
		return s.cell.Value()
	}
	return (&compositeScope{node: s.cell.owner}).Value(rel)
}

func (s *cellScope) Range(rel string) (*schema.Range, error) {
	if rel == "" {
		return s.cell.Range()
	}
	return (&compositeScope{node: s.cell.owner}).Range(rel)
}

func (s *cellScope) AllowedValues(rel string) ([]Value, error) {
	if rel == "" {
		return s.cell.AllowedValues()
	}
	return (&compositeScope{node: s.cell.owner}).AllowedValues(rel)
}
