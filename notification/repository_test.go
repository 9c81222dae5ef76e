package notification

import "testing"

func TestClampLimit(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"unset gets default", 0, 50},
		{"negative gets default", -3, 50},
		{"small passes through", 1, 1},
		{"default passes through", 50, 50},
		{"cap passes through", 500, 500},
		{"above cap clamps to cap", 501, 500},
		{"far above cap clamps to cap", 100000, 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := clampLimit(tc.in); got != tc.want {
				t.Fatalf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}
