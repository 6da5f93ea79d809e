package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

var sec = contract.Section{ID: "s", Title: "S", Requirements: []contract.Requirement{
	{ID: "A", Text: "alpha"}, {ID: "B", Text: "beta"}, {ID: "C", Text: "gamma"},
}}

func evaluated(idx int, items ...contract.ItemVerdict) contract.Evaluated {
	return contract.Evaluated{
		Block:      contract.Block{Index: idx, Text: "block text"},
		Evaluation: contract.BlockEvaluation{Items: items},
	}
}

func item(id string, st contract.Status) contract.ItemVerdict {
	return contract.ItemVerdict{Ref: id + ". text", RequirementID: contract.RequirementID(id), Status: st, Justification: "j-" + id}
}

// UT-EVD-01: 按块序汇总，与到达顺序无关
func TestAggregateOrdersByBlock(t *testing.T) {
	in := []contract.Evaluated{
		evaluated(3, item("A", contract.Missing)),
		evaluated(0, item("A", contract.ExplicitlyMentioned), item("B", contract.PartiallyMentioned)),
		evaluated(1, item("A", contract.PartiallyMentioned)),
	}
	got := Aggregate(sec, in)
	require.Len(t, got, 2)
	assert.Equal(t, contract.RequirementID("A"), got[0].RequirementID)
	assert.Equal(t, "alpha", got[0].RequirementText)
	idx := []int{}
	for _, m := range got[0].Matches {
		idx = append(idx, m.BlockIndex)
	}
	assert.Equal(t, []int{0, 1, 3}, idx)
	assert.Equal(t, contract.ExplicitlyMentioned, got[0].Representative())
	assert.Equal(t, contract.RequirementID("B"), got[1].RequirementID)
	assert.Equal(t, "j-B", got[1].Matches[0].Justification)

	// 输入未被修改
	assert.Equal(t, 3, in[0].Block.Index)
}

// UT-EVD-02: 未知 ID 丢弃，无命中省略，不去重
func TestAggregateDropsUnknownAndKeepsDuplicates(t *testing.T) {
	got := Aggregate(sec, []contract.Evaluated{
		evaluated(0, item("Z", contract.ExplicitlyMentioned), item("C", contract.Missing), item("C", contract.ExplicitlyMentioned)),
	})
	require.Len(t, got, 1)
	assert.Equal(t, contract.RequirementID("C"), got[0].RequirementID)
	assert.Len(t, got[0].Matches, 2, "同块重复判定保留")
	assert.Equal(t, contract.Missing, got[0].Representative())
}

// UT-EVD-03: 展示顺序与空输入
func TestAggregateDisplayOrderAndEmpty(t *testing.T) {
	got := Aggregate(sec, []contract.Evaluated{evaluated(0, item("C", contract.Missing), item("A", contract.Missing))})
	require.Len(t, got, 2)
	assert.Equal(t, contract.RequirementID("A"), got[0].RequirementID)
	assert.Equal(t, contract.RequirementID("C"), got[1].RequirementID)

	assert.Empty(t, Aggregate(sec, nil))
	assert.Empty(t, Aggregate(sec, []contract.Evaluated{evaluated(0, contract.ItemVerdict{RequirementID: "A", Status: "maybe"})}))
}
