package blheap

import "testing"

func TestPopExpiredOrdering(t *testing.T) {
	h := New[string]()
	h.Push("a", 30)
	h.Push("b", 10)
	h.Push("c", 20)

	if got := h.Len(); got != 3 {
		t.Fatalf("Len: got %d want 3", got)
	}

	expired := h.PopExpired(15)
	if len(expired) != 1 || expired[0] != "b" {
		t.Fatalf("PopExpired(15): got %v want [b]", expired)
	}
	if got := h.Len(); got != 2 {
		t.Fatalf("Len after pop: got %d want 2", got)
	}

	expired = h.PopExpired(25)
	if len(expired) != 1 || expired[0] != "c" {
		t.Fatalf("PopExpired(25): got %v want [c]", expired)
	}

	expired = h.PopExpired(100)
	if len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("PopExpired(100): got %v want [a]", expired)
	}
	if got := h.Len(); got != 0 {
		t.Fatalf("Len after draining: got %d want 0", got)
	}
}

func TestKeysDoesNotMutate(t *testing.T) {
	h := New[int]()
	h.Push(1, 5)
	h.Push(2, 1)
	keys := h.Keys()
	if len(keys) != 2 {
		t.Fatalf("Keys: got %d want 2", len(keys))
	}
	if got := h.Len(); got != 2 {
		t.Fatalf("Len after Keys: got %d want 2", got)
	}
}
