// Package schema describes the shape of a mirrored tree.
//
// A Class is an ordered list of children. Every child carries an explicit
// Kind tag:
//
//   - KindProperty: a typed leaf, optionally constrained by a range or a set
//     of allowed values, optionally derived by a Rule
//   - KindComposite: a singleton subtree of another class
//   - KindCollection: a name-keyed collection whose members share a class
//   - KindCommand: an executable entry point with declared arguments
//
// Classes can be built in Go:
//
//	contour := schema.NewClass("contour",
//		schema.Prop("field", schema.Property{
//			Type:          schema.TypeString,
//			Default:       "pressure",
//			AllowedValues: []schema.Value{"pressure", "temperature"},
//		}),
//		schema.Prop("iso_value", schema.Property{
//			Type:      schema.TypeReal,
//			RangeRule: schema.Lookup("field", ranges),
//			Derive:    schema.Midpoint("field"),
//		}),
//	)
//
// or loaded from YAML and CUE documents, where rules and availability
// predicates are Starlark expressions:
//
//	- name: iso_value
//	  kind: property
//	  type: real
//	  range_rule:
//	    expr: '{"pressure": [0, 100], "temperature": [20, 30]}[value("field")]'
//	    depends_on: [field]
//	  derive:
//	    expr: midpoint(bounds())
//	    depends_on: [field]
//
// Rule expressions see four functions: value(path), bounds(path=""),
// allowed(path="") and midpoint(bounds). Paths are relative to the composite
// that declares the rule and ".." steps to its parent; the empty path is the
// cell the rule belongs to.
//
// CUE documents are checked against a built-in meta-schema before decoding;
// both formats are checked with struct-tag validation. Loader.Watch reloads
// a schema directory when its files change.
package schema
