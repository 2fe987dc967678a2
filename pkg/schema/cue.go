package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// documentSchema constrains CUE schema documents before they are decoded.
const documentSchema = `
#Rule: {
	expr:        string & !=""
	depends_on?: [...string]
}

#Type: "boolean" | "integer" | "real" | "string" |
	"boolean-list" | "integer-list" | "real-list" | "string-list" |
	"map" | "any"

#Argument: {
	name:            string & !=""
	type:            #Type
	required?:       bool
	default?:        _
	range?:          [number, number]
	allowed_values?: [..._]
	doc?:            string
}

#Child: {
	name: string & =~"^[^/:.]+$"
	kind: "property" | "composite" | "collection" | "command"

	type?:                #Type
	default?:             _
	read_only?:           bool
	range?:               [number, number]
	allowed_values?:      [..._]
	derive?:              #Rule
	range_rule?:          #Rule
	allowed_values_rule?: #Rule

	class?: string
	args?:  [...#Argument]

	available_when?: #Rule
	doc?:            string

	if kind == "property" {
		type: #Type
	}
	if kind == "composite" || kind == "collection" {
		class: string & !=""
	}
}

#Class: {
	name:      string & !=""
	doc?:      string
	children: [...#Child]
}

#Document: {
	root?:   string
	classes: [#Class, ...#Class]
}
`

// CUEDecoder decodes CUE schema documents.
type CUEDecoder struct {
	ctx *cue.Context
	def cue.Value
}

// NewCUEDecoder creates a decoder with the built-in document schema.
func NewCUEDecoder() (*CUEDecoder, error) {
	ctx := cuecontext.New()
	meta := ctx.CompileString(documentSchema, cue.Filename("document.cue"))
	if err := meta.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile document schema: %w", err)
	}
	return &CUEDecoder{
		ctx: ctx,
		def: meta.LookupPath(cue.ParsePath("#Document")),
	}, nil
}

// Decode compiles src, checks it against the document schema and decodes
// it.
func (d *CUEDecoder) Decode(filename string, src []byte) (*Document, error) {
	val := d.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("%s: %s", filename, describeCUEError(err))
	}

	unified := d.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s: %s", filename, describeCUEError(err))
	}

	var doc Document
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: failed to decode document: %w", filename, err)
	}
	return &doc, nil
}

// describeCUEError flattens a CUE error list into one line per error with
// its position.
func describeCUEError(err error) string {
	var out string
	for i, e := range errors.Errors(err) {
		if i > 0 {
			out += "; "
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			out += fmt.Sprintf("%d:%d: ", pos[0].Line(), pos[0].Column())
		}
		out += errors.Details(e, nil)
	}
	if out == "" {
		return err.Error()
	}
	return out
}
