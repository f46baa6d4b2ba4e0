// Package types defines the tagged-union Value that flows through the
// tokenizer's literals, the row codec, and every physical operator.
package types

import (
	"fmt"
	"math"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindBoolean
	KindText
	KindBlob
	KindVector
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindBoolean:
		return "BOOLEAN"
	case KindText:
		return "TEXT"
	case KindBlob:
		return "BLOB"
	case KindVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

// Value is a tagged union over Null | Integer(i64) | Float(f64) | Boolean |
// Text(utf8) | Blob(bytes) | Vector(fixed-length f32 array).
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	blob []byte
	vec  []float32
}

func Null() Value                  { return Value{kind: KindNull} }
func Integer(v int64) Value        { return Value{kind: KindInteger, i: v} }
func Float(v float64) Value        { return Value{kind: KindFloat, f: v} }
func Boolean(v bool) Value         { return Value{kind: KindBoolean, b: v} }
func Text(v string) Value          { return Value{kind: KindText, s: v} }
func Blob(v []byte) Value          { return Value{kind: KindBlob, blob: v} }
func Vector(v []float32) Value     { return Value{kind: KindVector, vec: v} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) Int() int64       { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Bool() bool       { return v.b }
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%v", v.f)
	case KindBoolean:
		return fmt.Sprintf("%v", v.b)
	case KindText:
		return v.s
	case KindBlob:
		return fmt.Sprintf("<blob:%dB>", len(v.blob))
	case KindVector:
		return fmt.Sprintf("<vector:%dD>", len(v.vec))
	default:
		return "?"
	}
}
func (v Value) Text() string      { return v.s }
func (v Value) BlobBytes() []byte { return v.blob }
func (v Value) VectorData() []float32 { return v.vec }

// Tri is the three-valued logic result of a comparison or boolean
// expression: True, False or Unknown (NULL propagation).
type Tri uint8

const (
	TriFalse Tri = iota
	TriTrue
	TriUnknown
)

// AsBool collapses Tri to a Go bool for WHERE-clause filtering: only
// TriTrue passes.
func (t Tri) AsBool() bool { return t == TriTrue }

func boolTri(b bool) Tri {
	if b {
		return TriTrue
	}
	return TriFalse
}

// numeric widens an Integer/Float value to a float64 view plus whether the
// widening was exact (i.e. the value actually was numeric).
func numeric(v Value) (float64, bool) {
	switch v.kind {
	case KindInteger:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Equal implements Value equality: NULL is never equal to anything
// (including another NULL, a three-valued-logic decision surfaced via
// CompareTri instead), and NaN is not equal to itself.
func Equal(a, b Value) bool {
	return CompareTri(a, b, "=").AsBool()
}

// CompareTri evaluates `a op b` under three-valued logic. op is one of
// "=", "!=", "<", "<=", ">", ">=".
func CompareTri(a, b Value, op string) Tri {
	if a.kind == KindNull || b.kind == KindNull {
		return TriUnknown
	}
	if a.kind == KindBoolean && b.kind == KindBoolean {
		switch op {
		case "=":
			return boolTri(a.b == b.b)
		case "!=":
			return boolTri(a.b != b.b)
		default:
			return TriUnknown
		}
	}
	if a.kind == KindText && b.kind == KindText {
		return compareOrdered(op, a.s < b.s, a.s == b.s, a.s > b.s)
	}
	if a.kind == KindBlob && b.kind == KindBlob {
		eq := string(a.blob) == string(b.blob)
		lt := string(a.blob) < string(b.blob)
		return compareOrdered(op, lt, eq, !lt && !eq)
	}
	af, aok := numeric(a)
	bf, bok := numeric(b)
	if aok && bok {
		if math.IsNaN(af) || math.IsNaN(bf) {
			// NaN is not equal to itself and not ordered against anything.
			if op == "!=" {
				return TriTrue
			}
			return TriFalse
		}
		return compareOrdered(op, af < bf, af == bf, af > bf)
	}
	return TriUnknown
}

func compareOrdered(op string, lt, eq, gt bool) Tri {
	switch op {
	case "=":
		return boolTri(eq)
	case "!=":
		return boolTri(!eq)
	case "<":
		return boolTri(lt)
	case "<=":
		return boolTri(lt || eq)
	case ">":
		return boolTri(gt)
	case ">=":
		return boolTri(gt || eq)
	default:
		return TriUnknown
	}
}

// OrderPreservingKey encodes v into a byte string whose lexicographic
// (unsigned byte-wise) order matches v's value order, for use as a
// B-tree key. Integer and Float use the standard bit-flip transforms so
// two's-complement / IEEE-754 ordering survives big-endian byte
// comparison; Text and Blob are already lexicographic as raw bytes.
func OrderPreservingKey(v Value) []byte {
	switch v.kind {
	case KindInteger:
		u := uint64(v.i) ^ (1 << 63)
		return beUint64(u)
	case KindFloat:
		bits := math.Float64bits(v.f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return beUint64(bits)
	case KindBoolean:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	case KindText:
		return []byte(v.s)
	case KindBlob:
		return append([]byte(nil), v.blob...)
	default:
		return []byte(v.String())
	}
}

func beUint64(u uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

// WidenForColumn implements the implicit-widening rule applied when a
// value is stored into a column:
// Integer -> Float is allowed, nothing else narrows or widens.
func WidenForColumn(v Value, target Kind) (Value, bool) {
	if v.kind == target {
		return v, true
	}
	if v.kind == KindNull {
		return v, true
	}
	if v.kind == KindInteger && target == KindFloat {
		return Float(float64(v.i)), true
	}
	return v, false
}
