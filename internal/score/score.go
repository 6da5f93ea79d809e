// Package score 根据证据计算 Section 的合规分数与等级。
package score

import (
	"fmt"
	"math"

	"policyeval/pkg/contract"
)

// Score 计算合规分数：
//
//	score = round2((explicit + 0.5*partial) / total)，截断到 [0,1]
//
// 每条要求以代表状态（最早 Block 的判定）计数；未出现在 evidence 中的要求按 Missing 计。
// total<=0 返回 ErrInvalidSection。
func Score(evidence []contract.RequirementEvidence, total int) (float64, contract.Tier, error) {
	if total <= 0 {
		return 0, contract.NonCompliant, fmt.Errorf("%w: requirement count %d", contract.ErrInvalidSection, total)
	}
	var explicit, partial int
	for _, ev := range evidence {
		switch ev.Representative() {
		case contract.ExplicitlyMentioned:
			explicit++
		case contract.PartiallyMentioned:
			partial++
		}
	}
	s := Round2((float64(explicit) + 0.5*float64(partial)) / float64(total))
	s = math.Max(0, math.Min(1, s))
	return s, TierOf(s), nil
}

// TierOf: ≥1 为 Fully Compliant，0 为 Non-Compliant，其余为 Partially Compliant。
func TierOf(s float64) contract.Tier {
	switch {
	case s >= 1:
		return contract.FullyCompliant
	case s <= 0:
		return contract.NonCompliant
	default:
		return contract.PartiallyCompliant
	}
}

// Round2 四舍五入到两位小数。
func Round2(v float64) float64 { return math.Round(v*100) / 100 }
