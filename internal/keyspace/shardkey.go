package keyspace

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// ShardKey is the ordered list of fields a collection is partitioned on.
// A ShardKey is immutable; the zero value has no fields and is invalid.
type ShardKey struct {
	fields []string
}

// NewShardKey validates and returns a shard key over fields, in order.
func NewShardKey(fields ...string) (ShardKey, error) {
	if len(fields) == 0 {
		return ShardKey{}, fmt.Errorf("shard key must have at least one field")
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f == "" {
			return ShardKey{}, fmt.Errorf("shard key field names cannot be empty")
		}
		if seen[f] {
			return ShardKey{}, fmt.Errorf("duplicate shard key field %q", f)
		}
		seen[f] = true
	}
	return ShardKey{fields: append([]string(nil), fields...)}, nil
}

// MustShardKey is like NewShardKey but panics on an invalid field list.
func MustShardKey(fields ...string) ShardKey {
	k, err := NewShardKey(fields...)
	if err != nil {
		panic(err)
	}
	return k
}

// Fields returns a copy of the key's field names.
func (k ShardKey) Fields() []string { return append([]string(nil), k.fields...) }

// Len returns the key's arity.
func (k ShardKey) Len() int { return len(k.fields) }

// IsZero reports whether k is the invalid zero key.
func (k ShardKey) IsZero() bool { return len(k.fields) == 0 }

// Equal reports whether both keys list the same fields in the same order.
func (k ShardKey) Equal(o ShardKey) bool {
	if len(k.fields) != len(o.fields) {
		return false
	}
	for i := range k.fields {
		if k.fields[i] != o.fields[i] {
			return false
		}
	}
	return true
}

// Project extracts doc's shard key fields in key order. Fields absent from
// doc project to Missing; fields not in the key are ignored.
func (k ShardKey) Project(doc Document) Bound {
	b := make(Bound, len(k.fields))
	for i, f := range k.fields {
		v, ok := doc[f]
		if !ok {
			v = Missing()
		}
		b[i] = v
	}
	return b
}

// BoundFromDocument converts a chunk bound document into a Bound. The
// document must carry exactly the key's fields.
func (k ShardKey) BoundFromDocument(doc Document) (Bound, error) {
	if len(doc) != len(k.fields) {
		return nil, fmt.Errorf("bound %s has %d fields, shard key %s has %d", formatDocument(doc), len(doc), k, len(k.fields))
	}
	b := make(Bound, len(k.fields))
	for i, f := range k.fields {
		v, ok := doc[f]
		if !ok {
			return nil, fmt.Errorf("bound %s is missing shard key field %q", formatDocument(doc), f)
		}
		if v.IsMissing() {
			return nil, fmt.Errorf("bound %s has an undefined value for %q", formatDocument(doc), f)
		}
		b[i] = v
	}
	return b, nil
}

// Document converts b back into a bound document keyed by field name.
func (k ShardKey) Document(b Bound) Document {
	doc := make(Document, len(k.fields))
	for i, f := range k.fields {
		if i < len(b) {
			doc[f] = b[i]
		}
	}
	return doc
}

// GlobalMin returns the bound below every other bound of this key.
func (k ShardKey) GlobalMin() Bound { return k.fill(MinKey()) }

// GlobalMax returns the bound above every other bound of this key.
func (k ShardKey) GlobalMax() Bound { return k.fill(MaxKey()) }

func (k ShardKey) fill(v Value) Bound {
	b := make(Bound, len(k.fields))
	for i := range b {
		b[i] = v
	}
	return b
}

// String renders the key the way the catalog prints it, e.g. "{ a: 1, b: 1 }".
func (k ShardKey) String() string {
	parts := make([]string, len(k.fields))
	for i, f := range k.fields {
		parts[i] = f + ": 1"
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

func formatDocument(doc Document) string {
	keys := make([]string, 0, len(doc))
	for f := range doc {
		keys = append(keys, f)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, f := range keys {
		parts[i] = f + ": " + doc[f].String()
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}

// String renders doc with its fields in name order.
func (d Document) String() string { return formatDocument(d) }
