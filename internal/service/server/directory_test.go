package server

import "testing"

func TestDirectory_BindReplacesAndUnbindIsGuarded(t *testing.T) {
	d := NewDirectory()
	first, second := &client{}, &client{}

	if prior := d.Bind("alice", first); prior != nil {
		t.Fatalf("unexpected prior connection")
	}
	if prior := d.Bind("alice", second); prior != first {
		t.Fatalf("second login did not report the replaced connection")
	}
	if c, _ := d.Lookup("alice"); c != second {
		t.Fatalf("lookup returned the stale connection")
	}

	if d.Unbind("alice", first) {
		t.Fatalf("stale connection evicted the newer login")
	}
	if c, ok := d.Lookup("alice"); !ok || c != second {
		t.Fatalf("mapping lost after stale unbind")
	}
	if !d.Unbind("alice", second) {
		t.Fatalf("unbind of current connection failed")
	}
	if _, ok := d.Lookup("alice"); ok {
		t.Fatalf("mapping still present")
	}
}

func TestDirectory_Remove(t *testing.T) {
	d := NewDirectory()
	c := &client{}
	d.Bind("bob", c)
	if got := d.Remove("bob"); got != c {
		t.Fatalf("remove returned %p", got)
	}
	if d.Remove("bob") != nil || d.Len() != 0 {
		t.Fatalf("directory not empty")
	}
}
