package types

import (
	"bytes"
	"sort"
	"testing"
)

func TestCompareTri_NullIsUnknown(t *testing.T) {
	if got := CompareTri(Null(), Integer(1), "="); got != TriUnknown {
		t.Fatalf("NULL = 1 should be Unknown, got %v", got)
	}
	if got := CompareTri(Null(), Null(), "="); got != TriUnknown {
		t.Fatalf("NULL = NULL should be Unknown, got %v", got)
	}
}

func TestCompareTri_IntegerFloatWiden(t *testing.T) {
	if got := CompareTri(Integer(2), Float(2.0), "="); got != TriTrue {
		t.Fatalf("2 = 2.0 should be True, got %v", got)
	}
	if got := CompareTri(Integer(1), Float(2.0), "<"); got != TriTrue {
		t.Fatalf("1 < 2.0 should be True, got %v", got)
	}
}

func TestCompareTri_Text(t *testing.T) {
	if got := CompareTri(Text("abc"), Text("abd"), "<"); got != TriTrue {
		t.Fatalf("abc < abd should be True, got %v", got)
	}
}

func TestOrderPreservingKey_IntegerOrder(t *testing.T) {
	vals := []int64{-100, -1, 0, 1, 100}
	keys := make([][]byte, len(vals))
	for i, v := range vals {
		keys[i] = OrderPreservingKey(Integer(v))
	}
	sorted := append([][]byte(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	for i := range keys {
		if !bytes.Equal(keys[i], sorted[i]) {
			t.Fatalf("integer key order not preserved: %v", vals)
		}
	}
}

func TestOrderPreservingKey_FloatOrder(t *testing.T) {
	vals := []float64{-3.5, -0.1, 0, 0.1, 3.5}
	var keys [][]byte
	for _, v := range vals {
		keys = append(keys, OrderPreservingKey(Float(v)))
	}
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("float key order not preserved at index %d: %v", i, vals)
		}
	}
}

func TestWidenForColumn(t *testing.T) {
	v, ok := WidenForColumn(Integer(3), KindFloat)
	if !ok || v.Kind() != KindFloat || v.Float64() != 3 {
		t.Fatalf("int->float widen failed: %+v, %v", v, ok)
	}
	if _, ok := WidenForColumn(Text("x"), KindInteger); ok {
		t.Fatal("text->integer should not widen")
	}
	v, ok = WidenForColumn(Null(), KindInteger)
	if !ok || !v.IsNull() {
		t.Fatal("NULL should widen to any column kind")
	}
}
