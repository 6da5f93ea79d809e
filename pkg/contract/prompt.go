package contract

import (
	"context"
	"encoding/json"
	"strings"
)

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
// 约定：Role 为 "json_schema" 的消息是伪消息，仅供支持结构化输出的客户端读取，不发送给模型。
type ChatPrompt []Message

// Job: 一次评估的最小工作单元（一个 Section × 一个 Block）。
type Job struct {
	Section Section
	Block   Block
}

// PromptBuilder: 基于 Job 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 逐条列出 Section 的全部清单要求，原样嵌入 Block 文本，不截断；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, job Job) (Prompt, error)
	// EstimateOverheadTokens: 估算与 Job 无关的固定提示词开销（system/规则/schema）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int

// SplitJSONSchema 从 ChatPrompt 中移除 role=="json_schema" 的伪消息并返回其 schema。
// 未找到或 Content 不是合法 JSON 时 schema 为空（视作无 schema，不硬失败）。
func SplitJSONSchema(p Prompt) (Prompt, json.RawMessage) {
	cp, ok := p.(ChatPrompt)
	if !ok {
		return p, nil
	}
	out := make(ChatPrompt, 0, len(cp))
	var schema json.RawMessage
	for _, m := range cp {
		if strings.EqualFold(strings.TrimSpace(m.Role), "json_schema") {
			if json.Valid([]byte(m.Content)) {
				schema = json.RawMessage(m.Content)
			}
			continue
		}
		out = append(out, m)
	}
	return out, schema
}
