package schedule

import "testing"

func TestTrackerStrictComparator(t *testing.T) {
	var tr Tracker
	tr.Reserve(10, 20)

	cases := []struct {
		start, stop float64
		want        bool
	}{
		{0, 5, true},
		{25, 30, true},
		{0, 10, false},  // touches start
		{20, 30, false}, // touches stop
		{12, 18, false},
		{5, 25, false},
		{15, 25, false},
	}
	for _, tc := range cases {
		if got := tr.Available(tc.start, tc.stop); got != tc.want {
			t.Fatalf("Available(%v,%v) = %v, want %v", tc.start, tc.stop, got, tc.want)
		}
	}
}

func TestTrackerNeverDoubleBooks(t *testing.T) {
	var tr Tracker
	windows := [][2]float64{{0, 1}, {0.5, 2}, {1, 3}, {3.5, 4}, {2, 3.4}, {4.1, 9}}
	for _, w := range windows {
		if tr.Available(w[0], w[1]) {
			tr.Reserve(w[0], w[1])
		}
	}
	res := tr.Reservations()
	for i := range res {
		for j := range res {
			if i == j {
				continue
			}
			a, b := res[i], res[j]
			if !(a[1] < b[0] || a[0] > b[1]) {
				t.Fatalf("reservations %v and %v overlap", a, b)
			}
		}
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 reservations, got %v", res)
	}
}
