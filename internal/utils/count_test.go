package utils

import "testing"

func TestCount(t *testing.T) {
	cases := []struct {
		s            string
		def, ceiling int
		want         int
	}{
		{"", 0, 0, 0},
		{"", 7, 0, 7},
		{"3", 0, 0, 3},
		{" 12 ", 0, 0, 12},
		{"0012", 0, 0, 12},
		{"-1", 4, 0, 4},
		{"x", 5, 0, 5},
		{"999999999999999999999999", 2, 0, 2},
		{"500", 0, 50, 50},
		{"50", 0, 50, 50},
		{"49", 0, 50, 49},
	}
	for _, tc := range cases {
		if got := Count(tc.s, tc.def, tc.ceiling); got != tc.want {
			t.Fatalf("Count(%q, %d, %d) = %d; want %d", tc.s, tc.def, tc.ceiling, got, tc.want)
		}
	}
}
