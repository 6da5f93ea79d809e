package contract

import (
	"errors"
	"fmt"
)

// Writer/路径相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 分析层错误分类。
var (
	// ErrSegmentation: 保留；分段对任意字符串输入是全函数，正常路径不会返回。
	ErrSegmentation = errors.New("segmentation failed")
	// ErrInvalidSection: 未知 Section 或 Section 无任何清单要求；在发出任何评估前返回。
	ErrInvalidSection = errors.New("invalid section")
	// ErrSectionNotFound: 注册表中不存在该 Section；errors.Is(err, ErrInvalidSection) 亦成立。
	ErrSectionNotFound = fmt.Errorf("%w: section not found", ErrInvalidSection)
	// ErrCancelled: 调用方取消整次分析；不产出部分报告。
	ErrCancelled = errors.New("cancelled")
)

// ErrorKind: 单次评估失败的分类。
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindTransportFailure  ErrorKind = "transport_failure"
)

// EvaluatorError: 单个 Block 的评估失败（按块隔离，可跳过）。
// 约束：只描述一次调用；不携带重试语义。
type EvaluatorError struct {
	Kind       ErrorKind
	BlockIndex int
	Err        error
}

func (e *EvaluatorError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("evaluator %s (block %d)", e.Kind, e.BlockIndex)
	}
	return fmt.Sprintf("evaluator %s (block %d): %v", e.Kind, e.BlockIndex, e.Err)
}

func (e *EvaluatorError) Unwrap() error { return e.Err }

// AsEvaluatorError 提取 *EvaluatorError；不匹配时返回 nil,false。
func AsEvaluatorError(err error) (*EvaluatorError, bool) {
	var ee *EvaluatorError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
