package alert

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusResolved, true},
		{StatusPending, StatusAcknowledged, false},
		{StatusPending, StatusSnoozed, false},
		{StatusSent, StatusAcknowledged, true},
		{StatusSent, StatusSnoozed, true},
		{StatusSent, StatusResolved, true},
		{StatusSent, StatusPending, false},
		{StatusAcknowledged, StatusSnoozed, true},
		{StatusAcknowledged, StatusResolved, true},
		{StatusAcknowledged, StatusSent, false},
		{StatusSnoozed, StatusSent, true},
		{StatusSnoozed, StatusResolved, true},
		{StatusSnoozed, StatusAcknowledged, false},
		{StatusResolved, StatusSent, false},
		{StatusResolved, StatusAcknowledged, false},
		{StatusResolved, StatusSnoozed, false},
		{StatusResolved, StatusResolved, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
