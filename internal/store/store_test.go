package store

import (
	"slices"
	"testing"
)

func TestAllocateLinePaid(t *testing.T) {
	cases := []struct {
		name   string
		totals []int64
		paid   int64
		want   []int64
	}{
		{"fully paid", []int64{100, 200}, 300, []int64{100, 200}},
		{"partial spills in order", []int64{100, 200, 50}, 150, []int64{100, 50, 0}},
		{"nothing paid", []int64{100, 200}, 0, []int64{0, 0}},
		{"first line partial", []int64{500}, 120, []int64{120}},
		{"no lines", nil, 100, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AllocateLinePaid(tc.totals, tc.paid)
			if len(got) != len(tc.totals) {
				t.Fatalf("length mismatch: got %v", got)
			}
			if len(tc.want) > 0 && !slices.Equal(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			var sum int64
			for _, v := range got {
				sum += v
			}
			capped := tc.paid
			var totalAll int64
			for _, v := range tc.totals {
				totalAll += v
			}
			if capped > totalAll {
				capped = totalAll
			}
			if sum != capped {
				t.Fatalf("allocated %d, want %d", sum, capped)
			}
		})
	}
}
