package contract

import (
	"context"
	"errors"
)

// Raw: LLM 客户端返回的原始文本载荷（万能容器）。
// 约束：原样返回，不做清洗/截断/归一化。
type Raw struct {
	Text string
}

// LLMClient: 以 Job+Prompt 为单位与大模型交互，返回原始文本 Raw。
// 单次调用、同步返回；应尊重 ctx 取消/超时并及时释放资源；不做内部重试。
type LLMClient interface {
	Invoke(ctx context.Context, job Job, p Prompt) (Raw, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)

// Evaluator: 单个 (Section, Block) 的评估适配器（LLMClient + Decoder + 超时/限流）。
// 失败时返回 *EvaluatorError；调用方取消时返回包装 ErrCancelled 的错误。
type Evaluator interface {
	Evaluate(ctx context.Context, job Job, p Prompt) (BlockEvaluation, error)
}
