package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drover-dev/drover/internal/claims"
)

func TestClaimIssuesSorted(t *testing.T) {
	records := map[int]*claims.Claim{
		41: {},
		2:  {},
		9:  {},
	}
	assert.Equal(t, []int{2, 9, 41}, claimIssues(records))
}

func TestClaimIssuesEmpty(t *testing.T) {
	assert.Empty(t, claimIssues(map[int]*claims.Claim{}))
}
