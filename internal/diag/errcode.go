package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"policyeval/pkg/contract"
)

// Code 是日志与指标使用的错误分类，与退出码无关。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeTimeout   Code = "timeout"
)

// sentinels 按优先级排列：取消先于超时，超时先于预算。
var sentinels = []struct {
	err  error
	code Code
}{
	{contract.ErrCancelled, CodeCancel},
	{context.Canceled, CodeCancel},
	{context.DeadlineExceeded, CodeTimeout},
	{contract.ErrBudgetExceeded, CodeBudget},
	{contract.ErrRateLimited, CodeBudget},
	{contract.ErrResponseInvalid, CodeProtocol},
	{contract.ErrInvariantViolation, CodeInvariant},
	{contract.ErrInvalidInput, CodeInvariant},
	{contract.ErrInvalidSection, CodeInvariant},
	{contract.ErrPathInvalid, CodeInvariant},
}

// Classify 将错误归入最小分类；只看哨兵与错误类型，不匹配字符串。
// EvaluatorError 的 Timeout/MalformedResponse 直接映射，TransportFailure 按内部原因细分，无法细分视为 network。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if ee, ok := contract.AsEvaluatorError(err); ok {
		switch ee.Kind {
		case contract.KindTimeout:
			return CodeTimeout
		case contract.KindMalformedResponse:
			return CodeProtocol
		}
		if c := Classify(ee.Err); c != CodeUnknown {
			return c
		}
		return CodeNetwork
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
