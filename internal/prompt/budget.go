package prompt

import (
	"fmt"
	"strings"

	"policyeval/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EstimatePrompt 估算一次评估请求的输入 token（json_schema 伪消息不计入）。
func EstimatePrompt(p contract.Prompt, est contract.TokenEstimator) int {
	if est == nil {
		est = MakeEstimator(0)
	}
	rest, _ := contract.SplitJSONSchema(p)
	switch v := rest.(type) {
	case contract.TextPrompt:
		return est(string(v))
	case contract.ChatPrompt:
		var b strings.Builder
		for _, m := range v {
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
		return est(b.String())
	}
	return 0
}

// EffectiveMaxTokens 计算预扣“固定提示开销”后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	return maxTokens - overhead, overhead
}

// CheckBudget 校验固定开销是否已超出单请求上限（装配期快速失败）。
func CheckBudget(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) error {
	eff, overhead := EffectiveMaxTokens(pb, bytesPerToken, maxTokens)
	if maxTokens > 0 && eff <= 0 {
		return fmt.Errorf("%w: prompt overhead %d tokens >= max_tokens %d", contract.ErrBudgetExceeded, overhead, maxTokens)
	}
	return nil
}
