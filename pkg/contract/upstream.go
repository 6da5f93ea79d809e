package contract

import (
	"fmt"
	"net/http"
)

// UpstreamError 承载 HTTP 上游错误的最小诊断信息（状态码与简短消息），供评估层写入结构化日志。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// HTTPError: 可归为网络类的上游失败（5xx/408）。实现 net.Error 与 UpstreamError。
type HTTPError struct {
	Provider string
	Status   int
	Message  string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Provider, e.Status, e.Message)
}
func (e *HTTPError) Timeout() bool           { return e.Status == http.StatusRequestTimeout }
func (e *HTTPError) Temporary() bool         { return e.Status/100 == 5 }
func (e *HTTPError) UpstreamStatus() int     { return e.Status }
func (e *HTTPError) UpstreamMessage() string { return e.Message }

// HTTPStatusError 将非 2xx 上游状态映射为契约错误：429 → ErrRateLimited；5xx/408 → *HTTPError；其余 → ErrInvalidInput。
func HTTPStatusError(provider string, status int, msg string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %s: %w", provider, msg, ErrRateLimited)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return &HTTPError{Provider: provider, Status: status, Message: msg}
	default:
		return fmt.Errorf("%s upstream %d: %s: %w", provider, status, msg, ErrInvalidInput)
	}
}
