package tree

import (
	"context"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// Value is a state value: a scalar, a typed list or a map[string]Value.
type Value = schema.Value

// Authority is the remote side that owns the canonical value of every
// node. Implementations are already connected when handed to NewSession;
// the tree never dials.
type Authority interface {
	// ReadState returns the value at p. It is idempotent.
	ReadState(ctx context.Context, p path.Path) (Value, error)

	// WriteState replaces the value at p. Writing to a member of a named
	// collection creates it if absent.
	WriteState(ctx context.Context, p path.Path, v Value) error

	// ChildNames lists the children of p in order. For a collection path it
	// lists member names in creation order.
	ChildNames(ctx context.Context, p path.Path) ([]string, error)

	// DeleteMember removes the collection member at p, which must end in a
	// named segment.
	DeleteMember(ctx context.Context, p path.Path) error

	// RenameMember changes the instance name of the member at p.
	RenameMember(ctx context.Context, p path.Path, newName string) error

	// Execute runs the command at p.
	Execute(ctx context.Context, p path.Path, args map[string]Value) (Value, error)
}

// Operation names one Authority primitive.
type Operation string

const (
	OpRead     Operation = "read"
	OpWrite    Operation = "write"
	OpChildren Operation = "children"
	OpDelete   Operation = "delete"
	OpRename   Operation = "rename"
	OpExecute  Operation = "execute"
)

// Mutating reports whether the operation can change remote state.
func (o Operation) Mutating() bool {
	switch o {
	case OpWrite, OpDelete, OpRename, OpExecute:
		return true
	}
	return false
}

// Validate checks if the operation is known.
func (o Operation) Validate() error {
	switch o {
	case OpRead, OpWrite, OpChildren, OpDelete, OpRename, OpExecute:
		return nil
	}
	return NewValidationError("unknown operation "+string(o), nil)
}
