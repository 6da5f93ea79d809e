package contract

import "context"

// Decoder: 将 Raw 解码为 BlockEvaluation；字段名/容错策略由具体实现自决。
// 约束：
//  1. 缺少必需字段或无法解析时返回包装了 ErrResponseInvalid 的错误；
//  2. 每个 ItemVerdict 需填充 RequirementID（由 NormalizeRequirementRef 提取）；
//  3. 不过滤未知 ID（由聚合层负责）。
type Decoder interface {
	Decode(ctx context.Context, sec Section, raw Raw) (BlockEvaluation, error)
}
