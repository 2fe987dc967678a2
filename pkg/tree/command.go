package tree

import (
	"context"

	"github.com/simtree/simtree/pkg/path"
	"github.com/simtree/simtree/pkg/schema"
)

// Command is a remote command node. Execute is the only way to reach it.
type Command struct {
	owner *Node
	name  string
	decl  *schema.Command
	path  path.Path
}

// Path returns the command path.
func (c *Command) Path() path.Path {
	return c.path
}

// Declaration returns the command declaration.
func (c *Command) Declaration() *schema.Command {
	return c.decl
}

// Execute validates args against the declared arguments, filling in
// defaults, and runs the command on the authority.
func (c *Command) Execute(ctx context.Context, args map[string]Value) (Value, error) {
	p := c.path
	if err := c.owner.check(OpExecute); err != nil {
		return nil, err
	}
	checked, err := c.decl.CheckArgs(args)
	if err != nil {
		c.owner.session.metrics().RecordValidationFailure(constraintCode(err))
		return nil, constraintError("invalid arguments", err).
			WithPath(p).
			WithOperation(string(OpExecute))
	}
	return c.owner.session.execute(ctx, p, checked)
}
