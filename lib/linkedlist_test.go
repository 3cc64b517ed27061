package lib

import "testing"

func collect(l *LinkedList) []int {
	var out []int
	for node := l.Front(); node != nil; node = node.Next() {
		out = append(out, node.Value.(int))
	}
	return out
}

func TestLinkedListInsertAndRemove(t *testing.T) {
	l := NewLinkedList()
	if l.Len() != 0 || l.Front() != nil {
		t.Fatal("new list is not empty")
	}

	n2 := l.Append(2)
	l.InsertFront(1)
	l.Append(4)
	l.InsertAfter(n2, 3)

	if got := collect(l); len(got) != 4 || got[0] != 1 || got[1] != 2 || got[2] != 3 || got[3] != 4 {
		t.Fatalf("list order = %v, want [1 2 3 4]", got)
	}
	if l.Len() != 4 {
		t.Fatalf("Len = %d, want 4", l.Len())
	}

	// remove middle
	if v := l.Remove(n2); v != 2 {
		t.Fatalf("Remove returned %v, want 2", v)
	}
	if got := collect(l); len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 4 {
		t.Fatalf("after middle removal = %v, want [1 3 4]", got)
	}

	// remove head and tail
	l.Remove(l.Front())
	tail := l.Front().Next()
	l.Remove(tail)
	if got := collect(l); len(got) != 1 || got[0] != 3 {
		t.Fatalf("after head/tail removal = %v, want [3]", got)
	}

	l.Remove(l.Front())
	if l.Len() != 0 || l.Front() != nil {
		t.Fatal("list not empty after removing every node")
	}
}

func TestLinkedListRemoveForeignNode(t *testing.T) {
	l1 := NewLinkedList()
	l2 := NewLinkedList()
	node := l1.Append(1)
	l2.Append(2)

	if v := l2.Remove(node); v != nil {
		t.Fatalf("removing a foreign node returned %v, want nil", v)
	}
	if l1.Len() != 1 || l2.Len() != 1 {
		t.Fatal("foreign removal mutated one of the lists")
	}

	// a removed node cannot be removed twice
	l1.Remove(node)
	if v := l1.Remove(node); v != nil {
		t.Fatalf("double removal returned %v, want nil", v)
	}
}

func TestLinkedListInsertAfterTail(t *testing.T) {
	l := NewLinkedList()
	tail := l.Append(1)
	l.InsertAfter(tail, 2)

	if got := collect(l); len(got) != 2 || got[1] != 2 {
		t.Fatalf("InsertAfter tail = %v, want [1 2]", got)
	}
	if l.Front().Next().Next() != nil {
		t.Fatal("tail node has a dangling next pointer")
	}
	if l.Front().Next().Prev() != l.Front() {
		t.Fatal("tail node's prev pointer is wrong")
	}
}
