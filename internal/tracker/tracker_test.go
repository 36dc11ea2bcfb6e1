package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMeta(t *testing.T) {
	assert.True(t, Issue{Title: "[META] Project Progress Tracker"}.IsMeta())
	assert.True(t, Issue{Title: "  [META] handoff notes"}.IsMeta())
	assert.False(t, Issue{Title: "Add login form"}.IsMeta())
	assert.False(t, Issue{Title: "Support [META] tags in parser"}.IsMeta())
}

func TestPriorityRank(t *testing.T) {
	urgent := Issue{Labels: []string{"bug", "priority:urgent"}}
	high := Issue{Labels: []string{"priority:high"}}
	low := Issue{Labels: []string{"priority:low"}}
	none := Issue{Labels: []string{"enhancement"}}

	assert.Less(t, urgent.PriorityRank(), high.PriorityRank())
	assert.Less(t, high.PriorityRank(), low.PriorityRank())
	assert.Less(t, low.PriorityRank(), none.PriorityRank())
}

func TestPriorityRankCaseInsensitive(t *testing.T) {
	assert.Equal(t,
		Issue{Labels: []string{"priority:high"}}.PriorityRank(),
		Issue{Labels: []string{"Priority:High"}}.PriorityRank())
}
