package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobQueued, JobInProgress, true},
		{JobQueued, JobCompleted, true},
		{JobQueued, JobFailed, true},
		{JobInProgress, JobCompleted, true},
		{JobInProgress, JobFailed, true},
		{JobInProgress, JobQueued, false},
		{JobCompleted, JobFailed, false},
		{JobCompleted, JobInProgress, false},
		{JobFailed, JobCompleted, false},
		{JobFailed, JobQueued, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestLedgerCanSubmit(t *testing.T) {
	for _, premium := range []bool{false, true} {
		for _, used := range []bool{false, true} {
			for _, credits := range []int{0, 1, 3} {
				l := LedgerState{IsPremium: premium, FreeCreditsUsed: used, Credits: credits}
				want := !(!premium && credits <= 0 && used)
				require.Equal(t, want, l.CanSubmit(), "%+v", l)
			}
		}
	}
}

func TestCloneDoesNotShare(t *testing.T) {
	pid := "p1"
	j := TryOnJob{ID: "j", ProfileID: &pid, GarmentIDs: []string{"a", "b"}}
	c := j.Clone()
	c.GarmentIDs[0] = "z"
	*c.ProfileID = "p2"
	require.Equal(t, "a", j.GarmentIDs[0])
	require.Equal(t, "p1", *j.ProfileID)
}
