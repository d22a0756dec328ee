package readyqueue

import "testing"

func TestPeekReturnsEarliestDeadline(t *testing.T) {
	q := New()
	q.Push(1, 300)
	h2 := q.Push(2, 100)
	q.Push(3, 200)

	if q.Peek().ID() != 2 {
		t.Fatalf("Peek = %d, want 2", q.Peek().ID())
	}
	q.Remove(h2)
	if q.Peek().ID() != 3 {
		t.Fatalf("after removing 2, Peek = %d, want 3", q.Peek().ID())
	}
}

func TestStableTieBreak(t *testing.T) {
	q := New()
	q.Push(1, 100)
	q.Push(2, 100)
	q.Push(3, 100)

	if got := q.Pop().ID(); got != 1 {
		t.Fatalf("first pop = %d, want 1 (insertion order)", got)
	}
	if got := q.Pop().ID(); got != 2 {
		t.Fatalf("second pop = %d, want 2", got)
	}
	if got := q.Pop().ID(); got != 3 {
		t.Fatalf("third pop = %d, want 3", got)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	q := New()
	h := q.Push(1, 100)
	q.Remove(h)
	q.Remove(h) // must not panic or corrupt the heap
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestLenAndPop(t *testing.T) {
	q := New()
	if q.Pop() != nil {
		t.Fatal("Pop on empty queue must return nil")
	}
	q.Push(1, 50)
	q.Push(2, 10)
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
	if q.Pop().ID() != 2 {
		t.Fatal("expected id 2 (earlier deadline) first")
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}
