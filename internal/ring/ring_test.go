package ring

import (
	"reflect"
	"testing"
)

func TestBufferBelowCapacity(t *testing.T) {
	b := New[int](5)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	if got := b.ToSlice(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Fatalf("ToSlice = %v", got)
	}
}

func TestBufferWrapsAtCapacity(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	if got := b.ToSlice(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("ToSlice = %v, want oldest-evicted order [3 4 5]", got)
	}
}

func TestBufferClear(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Clear()
	if b.Len() != 0 {
		t.Fatalf("Len after Clear = %d, want 0", b.Len())
	}
	b.Push(9)
	if got := b.ToSlice(); !reflect.DeepEqual(got, []int{9}) {
		t.Fatalf("ToSlice after Clear+Push = %v", got)
	}
}
