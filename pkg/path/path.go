// Package path implements the addressing model shared by every node of a
// mirrored tree.
//
// A Path is an ordered sequence of segments. A segment names a component of
// the remote tree and, for members of a named collection, the instance name:
//
//	/Results/Graphics/Contour:contour-1/Field
//
// Paths are values. Every operation that appears to modify a path returns a
// new one, and the backing storage is never shared with the caller, so a path
// captured by one node can never be changed through another.
package path

import (
	"fmt"
	"strings"
)

const (
	// Separator joins rendered segments.
	Separator = "/"
	// InstanceSeparator separates a component name from its instance name.
	InstanceSeparator = ":"
)

// Segment is one step of a Path.
type Segment struct {
	// Name is the component name, e.g. "Contour".
	Name string
	// Instance is the member name within a named collection, empty for
	// singleton components.
	Instance string
}

// Named reports whether the segment addresses a collection member.
func (s Segment) Named() bool {
	return s.Instance != ""
}

// String renders the segment as Name or Name:instance.
func (s Segment) String() string {
	if s.Named() {
		return s.Name + InstanceSeparator + s.Instance
	}
	return s.Name
}

// Path identifies a location in the remote tree. The zero value is the root.
type Path struct {
	segs []Segment
}

// Root returns the empty path.
func Root() Path {
	return Path{}
}

// New builds a path from segments. The slice is copied.
func New(segs ...Segment) (Path, error) {
	for i, s := range segs {
		if err := validateSegment(s); err != nil {
			return Path{}, fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return Path{segs: append([]Segment(nil), segs...)}, nil
}

// MustNew is like New but panics on invalid segments. It is intended for
// tests and static tables.
func MustNew(segs ...Segment) Path {
	p, err := New(segs...)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse is the inverse of Path.String.
func Parse(s string) (Path, error) {
	trimmed := strings.Trim(s, Separator)
	if trimmed == "" {
		return Root(), nil
	}

	parts := strings.Split(trimmed, Separator)
	segs := make([]Segment, 0, len(parts))
	for _, part := range parts {
		name, instance, _ := strings.Cut(part, InstanceSeparator)
		seg := Segment{Name: name, Instance: instance}
		if strings.Contains(part, InstanceSeparator) && instance == "" {
			return Path{}, fmt.Errorf("invalid path %q: empty instance name in %q", s, part)
		}
		if err := validateSegment(seg); err != nil {
			return Path{}, fmt.Errorf("invalid path %q: %w", s, err)
		}
		segs = append(segs, seg)
	}
	return Path{segs: segs}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validateSegment(s Segment) error {
	if s.Name == "" {
		return fmt.Errorf("empty component name")
	}
	if strings.ContainsAny(s.Name, Separator+InstanceSeparator) {
		return fmt.Errorf("component name %q contains a reserved character", s.Name)
	}
	if strings.Contains(s.Instance, Separator) {
		return fmt.Errorf("instance name %q contains %q", s.Instance, Separator)
	}
	return nil
}

// Append returns a new path with seg added at the end.
func (p Path) Append(seg Segment) Path {
	segs := make([]Segment, len(p.segs), len(p.segs)+1)
	copy(segs, p.segs)
	return Path{segs: append(segs, seg)}
}

// Child returns p extended by a singleton segment.
func (p Path) Child(name string) Path {
	return p.Append(Segment{Name: name})
}

// Member returns p extended by a named segment.
func (p Path) Member(name, instance string) Path {
	return p.Append(Segment{Name: name, Instance: instance})
}

// Parent returns p without its last segment. The parent of the root is the
// root.
func (p Path) Parent() Path {
	if len(p.segs) == 0 {
		return p
	}
	return Path{segs: append([]Segment(nil), p.segs[:len(p.segs)-1]...)}
}

// Last returns the final segment and false for the root.
func (p Path) Last() (Segment, bool) {
	if len(p.segs) == 0 {
		return Segment{}, false
	}
	return p.segs[len(p.segs)-1], true
}

// WithInstance returns a copy of p whose last segment carries instance.
func (p Path) WithInstance(instance string) (Path, error) {
	last, ok := p.Last()
	if !ok {
		return Path{}, fmt.Errorf("root path has no instance")
	}
	if !last.Named() {
		return Path{}, fmt.Errorf("path %s does not end in a named segment", p)
	}
	last.Instance = instance
	if err := validateSegment(last); err != nil {
		return Path{}, err
	}
	return p.Parent().Append(last), nil
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segs)
}

// IsRoot reports whether p has no segments.
func (p Path) IsRoot() bool {
	return len(p.segs) == 0
}

// Segments returns a copy of the segments.
func (p Path) Segments() []Segment {
	return append([]Segment(nil), p.segs...)
}

// Segment returns the i-th segment.
func (p Path) Segment(i int) Segment {
	return p.segs[i]
}

// HasPrefix reports whether prefix addresses p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix.segs) > len(p.segs) {
		return false
	}
	for i, s := range prefix.segs {
		if p.segs[i] != s {
			return false
		}
	}
	return true
}

// Equal reports whether both paths address the same location.
func (p Path) Equal(o Path) bool {
	return len(p.segs) == len(o.segs) && p.HasPrefix(o)
}

// String renders the path, e.g. /Results/Graphics/Contour:contour-1/Field.
func (p Path) String() string {
	if len(p.segs) == 0 {
		return Separator
	}
	var b strings.Builder
	for _, s := range p.segs {
		b.WriteString(Separator)
		b.WriteString(s.String())
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
