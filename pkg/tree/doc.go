// Package tree mirrors a remote configuration and command tree as Go
// objects, and provides a local reactive object model for values that only
// exist on the client.
//
// # Remote trees
//
// A Session wraps an Authority, the already connected remote side. NewRoot
// walks a schema class once and builds a Node for every composite and
// property child, a NamedProxy for every collection and a Command for every
// command. Nodes hold no state: Read, Write, ChildNames and Execute go to
// the authority with the node's full path on every call.
//
//	sess := tree.NewSession(authority, tree.WithLogger(logger))
//	root, err := tree.NewRoot(sess, class)
//	contours, _ := root.Collection("contour")
//	err = contours.Set(ctx, "contour-1", nil) // writes {"name": "contour-1"}
//
// Writes are checked against the declared type, range and allowed values
// before they are sent; a rejected value never reaches the authority.
//
// # Local trees
//
// NewComposite builds a local tree. Properties become Cells whose values
// may be derived from other cells through schema rules; when a dependency
// changes, dependent caches are cleared and recomputed on the next read.
// Children may be hidden by availability predicates, which are evaluated
// on every access.
//
// # Errors
//
// Every failure is an *Error with a class: validation, read_only,
// not_found, stale_session, remote or schema. Use IsValidation and friends,
// or errors.Is with the Err* sentinels, to tell "fix the input" apart from
// "the tree moved" and "the session is gone".
//
// Neither remote nor local trees are safe for concurrent use. A Session
// may be closed from any goroutine.
package tree
