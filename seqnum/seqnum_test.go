package seqnum

import "testing"

func TestGreaterThanWrapsAround(t *testing.T) {
	cases := []struct {
		s1, s2 uint16
		want   bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 65535, true},   // wrap-around: 0 is newer than 65535
		{65535, 0, false},
		{100, 100, false},
	}
	for _, c := range cases {
		if got := GreaterThan(c.s1, c.s2); got != c.want {
			t.Errorf("GreaterThan(%d, %d) = %v, want %v", c.s1, c.s2, got, c.want)
		}
	}
}

func TestLessThanIsInverseOfGreaterThan(t *testing.T) {
	for _, pair := range [][2]uint16{{5, 10}, {10, 5}, {0, 65535}, {65535, 0}} {
		a, b := pair[0], pair[1]
		if a == b {
			continue
		}
		if LessThan(a, b) == GreaterThan(a, b) {
			t.Errorf("LessThan(%d,%d)=%v and GreaterThan(%d,%d)=%v should disagree", a, b, LessThan(a, b), a, b, GreaterThan(a, b))
		}
	}
}

func TestDiffAcrossWrap(t *testing.T) {
	if d := Diff(0, 65535); d != 1 {
		t.Errorf("Diff(0, 65535) = %d, want 1", d)
	}
	if d := Diff(65535, 0); d != -1 {
		t.Errorf("Diff(65535, 0) = %d, want -1", d)
	}
	if d := Diff(10, 5); d != 5 {
		t.Errorf("Diff(10, 5) = %d, want 5", d)
	}
}
