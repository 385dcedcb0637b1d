// Package fhirpath resolves declarative search path expressions into concrete
// document paths. Only the practical subset needed to locate search-indexed
// fields is supported; full expression evaluation is out of scope.
package fhirpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a document path: a field name with an optional
// array index. Index is -1 when the segment is not indexed.
type Segment struct {
	Name  string
	Index int
}

// Field returns an unindexed segment.
func Field(name string) Segment {
	return Segment{Name: name, Index: -1}
}

// Indexed returns a segment with an array index.
func Indexed(name string, index int) Segment {
	return Segment{Name: name, Index: index}
}

// Path locates a value inside a resource payload as an ordered list of
// field-name/array-index segments.
type Path []Segment

// String renders the path in dotted form, e.g. "name[0].family".
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.Name)
		if s.Index >= 0 {
			fmt.Fprintf(&b, "[%d]", s.Index)
		}
	}
	return b.String()
}

// Child returns a copy of p with an unindexed segment appended.
func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Field(name))
}

// ChildIndexed returns a copy of p with an indexed segment appended.
func (p Path) ChildIndexed(name string, index int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, Indexed(name, index))
}

// WithLastIndexed returns a copy of p whose final segment carries the given
// array index. Returns p unchanged when empty.
func (p Path) WithLastIndexed(index int) Path {
	if len(p) == 0 {
		return p
	}
	out := make(Path, len(p))
	copy(out, p)
	out[len(out)-1].Index = index
	return out
}

// LastIndexed reports whether the final segment already has an array index.
func (p Path) LastIndexed() bool {
	return len(p) > 0 && p[len(p)-1].Index >= 0
}

// Last returns the name of the final segment, or "" for an empty path.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1].Name
}

// Parse converts a dotted path string such as "identifier[0].value" into a
// Path. Malformed index suffixes are kept as part of the field name rather
// than rejected; callers feed this only trusted table entries.
func Parse(s string) Path {
	var p Path
	for _, part := range strings.Split(s, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, idx := splitIndex(part)
		p = append(p, Segment{Name: name, Index: idx})
	}
	return p
}

func splitIndex(part string) (string, int) {
	open := strings.IndexByte(part, '[')
	if open < 0 || !strings.HasSuffix(part, "]") {
		return part, -1
	}
	n, err := strconv.Atoi(part[open+1 : len(part)-1])
	if err != nil || n < 0 {
		return part, -1
	}
	return part[:open], n
}
