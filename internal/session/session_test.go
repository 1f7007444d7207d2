package session

import "testing"

func bp(v bool) *bool { return &v }

func TestNextStateRetainsOnAbsentFlags(t *testing.T) {
	if got := Next(InRace, nil, bp(false)); got != InRace {
		t.Fatalf("Next = %v, want InRace retained", got)
	}
	if got := Next(Paused, bp(true), nil); got != Paused {
		t.Fatalf("Next = %v, want Paused retained", got)
	}
}

func TestNextStateTransitions(t *testing.T) {
	cases := []struct {
		inRace, paused bool
		want           State
	}{
		{false, false, NotInRace},
		{false, true, NotInRace},
		{true, true, Paused},
		{true, false, InRace},
	}
	for _, c := range cases {
		if got := Next(NotInRace, bp(c.inRace), bp(c.paused)); got != c.want {
			t.Fatalf("Next(%v,%v) = %v, want %v", c.inRace, c.paused, got, c.want)
		}
	}
}
