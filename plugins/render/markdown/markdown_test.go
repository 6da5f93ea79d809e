package markdown

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

func sample() contract.Summary {
	return contract.Summary{
		RunID:    "run-1",
		Document: "policy.txt",
		Overall:  37.5,
		Reports: []contract.SectionReport{
			{
				SectionID: "section_4", Title: "Grounds for processing",
				MatchLevel: "Partial", SimplifiedMeaning: "Lawful | fair", Score: 0.75, Tier: contract.PartiallyCompliant,
				SuggestedRewrite: "We process data\nonly with consent.",
				Evidence: []contract.RequirementEvidence{
					{RequirementID: "4.1", RequirementText: "Lawful purpose", Matches: []contract.Match{
						{BlockIndex: 0, BlockText: "Intro we collect", Status: contract.ExplicitlyMentioned, Justification: "states purpose"},
						{BlockIndex: 2, BlockText: "Rights", Status: contract.Missing, Justification: "n/a"},
					}},
					{RequirementID: "4.2", RequirementText: "Consent", Matches: []contract.Match{
						{BlockIndex: 1, BlockText: "Scope", Status: contract.Missing},
					}},
				},
				Stats: contract.Stats{Blocks: 3, Attempted: 3, Succeeded: 2, Failed: map[contract.ErrorKind]int{contract.KindTimeout: 1}},
			},
			{SectionID: "section_5", Title: "Notice", Tier: contract.NonCompliant, Evidence: []contract.RequirementEvidence{}},
		},
	}
}

func render(t *testing.T, r *Renderer, s contract.Summary) string {
	t.Helper()
	out, err := r.Render(context.Background(), s)
	require.NoError(t, err)
	b, err := io.ReadAll(out)
	require.NoError(t, err)
	return string(b)
}

// UT-MD-01: 汇总表与总体合规度。
func TestRenderSummaryTable(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	assert.Equal(t, "md", r.Ext())
	s := render(t, r, sample())
	assert.Contains(t, s, "# Compliance Report\n")
	assert.Contains(t, s, "- **Overall Compliance:** 37.50%")
	assert.Contains(t, s, "| section_4 (Grounds for processing) | Lawful \\| fair | Partial | Partially Compliant | 0.75 |")
	assert.Contains(t, s, "| section_5 (Notice) | - | - | Non-Compliant | 0.00 |")
}

// UT-MD-02: 清单命中只列非 Missing 的代表状态与句子。
func TestRenderMatchedItems(t *testing.T) {
	r, _ := New(nil)
	s := render(t, r, sample())
	assert.Contains(t, s, "- ✅ 4.1. Lawful purpose (Explicitly Mentioned)")
	assert.NotContains(t, s, "4.2. Consent (")
	assert.Contains(t, s, "- **Sentence:** Intro we collect")
	assert.Contains(t, s, "  - **Justification:** states purpose")
	assert.NotContains(t, s, "**Sentence:** Rights")
	assert.Contains(t, s, "> We process data\n> only with consent.")
	assert.Contains(t, s, "_Blocks 3 | Attempted 3 | Succeeded 2 | Failed timeout=1_")
}

// UT-MD-03: 选项与空输入。
func TestRenderOptions(t *testing.T) {
	r, err := New([]byte(`{"title":"DPDP Review","omit_rewrite":true,"omit_stats":true}`))
	require.NoError(t, err)
	s := render(t, r, sample())
	assert.Contains(t, s, "# DPDP Review\n")
	assert.NotContains(t, s, "Suggested Rewrite")
	assert.NotContains(t, s, "_Blocks")

	s = render(t, r, contract.Summary{})
	assert.Contains(t, s, "_No sections analysed._")

	_, err = New([]byte(`{"unknown":1}`))
	assert.Error(t, err)
}

// UT-MD-04: 取消的上下文。
func TestRenderCancelled(t *testing.T) {
	r, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Render(ctx, sample())
	assert.ErrorIs(t, err, context.Canceled)
}
