package config

import (
	"testing"
	"time"
)

func TestSourceSignalingDelayPicksLargestThresholdNotExceedingSize(t *testing.T) {
	c := &Config{SourceSignalingDelays: DefaultSourceSignalingDelays()}

	cases := []struct {
		size int
		want time.Duration
	}{
		{0, 0},
		{5, 0},
		{10, 2 * time.Second},
		{15, 2 * time.Second},
		{20, 4 * time.Second},
		{100, 6 * time.Second},
	}

	for _, tc := range cases {
		if got := c.SourceSignalingDelay(tc.size); got != tc.want {
			t.Errorf("SourceSignalingDelay(%d) = %v, want %v", tc.size, got, tc.want)
		}
	}
}

func TestParseList(t *testing.T) {
	got := parseList(" a, b ,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("parseList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
