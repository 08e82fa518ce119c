package ring

import "testing"

func TestBufferEvictsOldestFirst(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 3; i++ {
		if _, evicted := b.Push(i); evicted {
			t.Fatalf("unexpected eviction while filling, item %d", i)
		}
	}
	old, evicted := b.Push(4)
	if !evicted || old != 1 {
		t.Fatalf("expected eviction of 1, got %d (evicted=%v)", old, evicted)
	}
	got := b.Snapshot()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if b.At(0) != 2 || b.At(2) != 4 {
		t.Fatalf("unexpected At values %d/%d", b.At(0), b.At(2))
	}
}

func TestBufferLast(t *testing.T) {
	b := New[string](4)
	for _, s := range []string{"a", "b", "c", "d", "e", "f"} {
		b.Push(s)
	}
	got := b.Last(2)
	if len(got) != 2 || got[0] != "e" || got[1] != "f" {
		t.Fatalf("unexpected last items %v", got)
	}
	if all := b.Last(10); len(all) != 4 || all[0] != "c" {
		t.Fatalf("expected full window starting at c, got %v", all)
	}
	if b.Last(0) != nil {
		t.Fatalf("expected nil for zero-length request")
	}
}

func TestBufferMinimumCapacity(t *testing.T) {
	b := New[int](0)
	if b.Cap() != 1 {
		t.Fatalf("expected capacity 1, got %d", b.Cap())
	}
	b.Push(7)
	b.Push(8)
	if b.Len() != 1 || b.At(0) != 8 {
		t.Fatalf("expected only the newest item, got len=%d", b.Len())
	}
}
