// Package keyspace defines the totally ordered values, bounds and shard key
// projections that chunk boundaries and ownership checks are expressed in.
package keyspace

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the canonical type rank of a Value. Values of a lower kind sort
// before values of a higher kind regardless of their payload.
type Kind uint8

const (
	KindMinKey Kind = iota
	KindNull
	KindNumber
	KindString
	KindBinary
	KindBool
	KindTime
	KindMaxKey
)

func (k Kind) String() string {
	switch k {
	case KindMinKey:
		return "minKey"
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindMaxKey:
		return "maxKey"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a single shard key field value. The zero Value is MinKey.
//
// Values are immutable; Binary payloads are copied on construction and on
// access.
type Value struct {
	kind    Kind
	missing bool
	isFloat bool
	i       int64
	f       float64
	s       string
	b       []byte
	t       time.Time
}

// MinKey returns the sentinel that sorts below every other value.
func MinKey() Value { return Value{kind: KindMinKey} }

// MaxKey returns the sentinel that sorts above every other value.
func MaxKey() Value { return Value{kind: KindMaxKey} }

// Missing returns the value a record projects to for an absent shard key
// field. It is distinguishable from MinKey but orders identically to it.
func Missing() Value { return Value{kind: KindMinKey, missing: true} }

func Null() Value            { return Value{kind: KindNull} }
func Int(v int64) Value      { return Value{kind: KindNumber, i: v} }
func Float(v float64) Value  { return Value{kind: KindNumber, isFloat: true, f: v} }
func String(v string) Value  { return Value{kind: KindString, s: v} }
func Bool(v bool) Value      { return Value{kind: KindBool, i: b2i(v)} }
func Time(v time.Time) Value { return Value{kind: KindTime, t: v.UTC()} }

func Binary(v []byte) Value {
	return Value{kind: KindBinary, b: append([]byte(nil), v...)}
}

func b2i(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsMissing() bool  { return v.missing }
func (v Value) IsMinKey() bool   { return v.kind == KindMinKey && !v.missing }
func (v Value) IsMaxKey() bool   { return v.kind == KindMaxKey }
func (v Value) IsFloat() bool    { return v.kind == KindNumber && v.isFloat }
func (v Value) Int() int64       { return v.i }
func (v Value) Float() float64   { return v.number() }
func (v Value) Str() string      { return v.s }
func (v Value) Bool() bool       { return v.i != 0 }
func (v Value) Time() time.Time  { return v.t }
func (v Value) Bytes() []byte    { return append([]byte(nil), v.b...) }
func (v Value) IsSentinel() bool { return v.kind == KindMinKey || v.kind == KindMaxKey }

func (v Value) number() float64 {
	if v.isFloat {
		return v.f
	}
	return float64(v.i)
}

// Compare returns -1, 0 or +1 as v sorts before, equal to or after o.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		if v.kind < o.kind {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindMinKey, KindMaxKey, KindNull:
		return 0
	case KindNumber:
		return compareNumbers(v, o)
	case KindString:
		return strings.Compare(v.s, o.s)
	case KindBinary:
		return bytes.Compare(v.b, o.b)
	case KindBool:
		return compareInts(v.i, o.i)
	case KindTime:
		return v.t.Compare(o.t)
	}
	return 0
}

func compareNumbers(a, b Value) int {
	if !a.isFloat && !b.isFloat {
		return compareInts(a.i, b.i)
	}
	x, y := a.number(), b.number()
	xNaN, yNaN := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xNaN && yNaN:
		return 0
	case xNaN:
		return -1
	case yNaN:
		return 1
	case x < y:
		return -1
	case x > y:
		return 1
	}
	// Equal as floats; break ties between an int and a float that rounds
	// to it by comparing against the exact integer.
	if !a.isFloat {
		return compareIntFloat(a.i, b.f)
	}
	if !b.isFloat {
		return -compareIntFloat(b.i, a.f)
	}
	return 0
}

func compareIntFloat(i int64, f float64) int {
	if f >= math.MaxInt64 {
		return -1
	}
	return compareInts(i, int64(f))
}

func compareInts(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports whether v and o compare equal.
func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func (v Value) String() string {
	switch v.kind {
	case KindMinKey:
		if v.missing {
			return "Missing"
		}
		return "MinKey"
	case KindMaxKey:
		return "MaxKey"
	case KindNull:
		return "null"
	case KindNumber:
		if v.isFloat {
			return strconv.FormatFloat(v.f, 'g', -1, 64)
		}
		return strconv.FormatInt(v.i, 10)
	case KindString:
		return strconv.Quote(v.s)
	case KindBinary:
		return fmt.Sprintf("Binary(%x)", v.b)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	}
	return v.kind.String()
}
