package rpc

import "testing"

func TestVersionsCompatible(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "1.2.3", true},
		{"1.0.0", "2.0.0", false},
		{"v1.0.0", "1.9.9", true},
		{"2.1", "2.0.5", true},
		{"1.0.0", "garbage", false},
		{"", "1.0.0", false},
	}
	for _, c := range cases {
		if got := VersionsCompatible(c.a, c.b); got != c.want {
			t.Fatalf("VersionsCompatible(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestNodeEqualByID(t *testing.T) {
	a := Node{ID: "x", Name: "a", Address: "1"}
	b := Node{ID: "x", Name: "b", Address: "2"}
	if !a.Equal(b) {
		t.Fatalf("nodes with same id must be equal")
	}
	if a.Equal(Node{ID: "y", Name: "a", Address: "1"}) {
		t.Fatalf("nodes with different ids must not be equal")
	}
}
