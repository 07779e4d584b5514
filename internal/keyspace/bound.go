package keyspace

import (
	"strings"
)

// Document is a record, or a chunk bound keyed by shard key field name.
type Document map[string]Value

// Bound is a tuple of values in shard key field order.
type Bound []Value

// Compare orders bounds field by field. When one bound is a strict prefix
// of the other the shorter one sorts first.
func (b Bound) Compare(o Bound) int {
	n := len(b)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := b[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return compareInts(int64(len(b)), int64(len(o)))
}

func (b Bound) Less(o Bound) bool  { return b.Compare(o) < 0 }
func (b Bound) Equal(o Bound) bool { return b.Compare(o) == 0 }

// Clone returns a copy of b that shares no backing array with it.
func (b Bound) Clone() Bound {
	if b == nil {
		return nil
	}
	return append(Bound(nil), b...)
}

func (b Bound) String() string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// BoundComparer orders Bound keys for immutable.SortedMap.
type BoundComparer struct{}

func (BoundComparer) Compare(a, b Bound) int { return a.Compare(b) }
