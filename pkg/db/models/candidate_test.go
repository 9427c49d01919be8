package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetReasonOverwritesExistingRule(t *testing.T) {
	c := Candidate{Stash: "s"}
	c.SetReason(InvalidityReason{Type: InvalidityCommission, Valid: false, Details: "too high"})
	c.SetReason(InvalidityReason{Type: InvalidityOnline, Valid: true})
	c.SetReason(InvalidityReason{Type: InvalidityCommission, Valid: true})

	require.Len(t, c.Invalidity, 2)
	r, ok := c.Reason(InvalidityCommission)
	require.True(t, ok)
	require.True(t, r.Valid)
	require.Empty(t, r.Details)

	_, ok = c.Reason(InvalidityBeefy)
	require.False(t, ok)
}

func TestHasFaultMatchesExactReason(t *testing.T) {
	c := Candidate{FaultEvents: []FaultEvent{{Reason: "alice had an offline event in session 9"}}}
	require.True(t, c.HasFault("alice had an offline event in session 9"))
	require.False(t, c.HasFault("alice had an offline event in session 10"))
}

func TestDockedRank(t *testing.T) {
	require.Equal(t, int64(0), DockedRank(0))
	require.Equal(t, int64(5), DockedRank(5))
	require.Equal(t, int64(5), DockedRank(6))
	require.Equal(t, int64(10), DockedRank(12))
}
