package tree

// Lifecycle is the state of a collection member. Transitions only go
// forward: Unbound, Bound, Deleted.
type Lifecycle int

const (
	// Unbound members have been looked up but never written.
	Unbound Lifecycle = iota
	// Bound members have had at least one successful write.
	Bound
	// Deleted members reject every operation with a not-found error.
	Deleted
)

func (l Lifecycle) String() string {
	switch l {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}
