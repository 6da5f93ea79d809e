// Package evidence 将逐块评估结果汇总为按清单要求组织的证据。
package evidence

import (
	"sort"

	"policyeval/pkg/contract"
)

// Aggregate 汇总一个 Section 在多个 Block 上的判定。
// - 输入先按 Block.Index 稳定排序，Matches 顺序即文档顺序（与到达顺序无关）；
// - 不属于该 Section 的 RequirementID 静默丢弃；
// - 无有效命中的要求不出现在输出中；
// - 同一 Block 对同一要求的多条判定全部保留（不去重）；
// - 输出按 Section 中要求的展示顺序排列。
func Aggregate(sec contract.Section, evaluated []contract.Evaluated) []contract.RequirementEvidence {
	ordered := make([]contract.Evaluated, len(evaluated))
	copy(ordered, evaluated)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Block.Index < ordered[j].Block.Index })

	matches := make(map[contract.RequirementID][]contract.Match, len(sec.Requirements))
	known := make(map[contract.RequirementID]struct{}, len(sec.Requirements))
	for _, r := range sec.Requirements {
		known[r.ID] = struct{}{}
	}
	for _, ev := range ordered {
		for _, it := range ev.Evaluation.Items {
			if _, ok := known[it.RequirementID]; !ok {
				continue
			}
			if !it.Status.Valid() {
				continue
			}
			matches[it.RequirementID] = append(matches[it.RequirementID], contract.Match{
				BlockIndex:    ev.Block.Index,
				BlockText:     ev.Block.Text,
				Status:        it.Status,
				Justification: it.Justification,
			})
		}
	}

	out := make([]contract.RequirementEvidence, 0, len(matches))
	for _, r := range sec.Requirements {
		ms, ok := matches[r.ID]
		if !ok {
			continue
		}
		out = append(out, contract.RequirementEvidence{RequirementID: r.ID, RequirementText: r.Text, Matches: ms})
		// 重复 ID 已在注册表加载期拒绝；此处防止重复输出
		delete(matches, r.ID)
	}
	return out
}
