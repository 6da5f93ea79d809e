package flaky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"policyeval/pkg/contract"
	"policyeval/plugins/llmclient/mock"
)

// 故障步骤。
const (
	StepTransport = "transport_failure"
	StepMalformed = "malformed"
	StepHang      = "hang"
)

// Options: Script 为前若干次调用依次注入的故障，用尽后恒返回全部 Explicitly Mentioned。
type Options struct {
	Prefix string   `json:"prefix"`
	Script []string `json:"script,omitempty"`
	// LogPath: 每次调用追加一行 "<序号> <结果> block=<index>"（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// ErrConnectionReset: 注入的传输层失败。
var ErrConnectionReset = errors.New("flaky: connection reset by peer")

// Client 按脚本注入故障的 LLM 实现；缺省脚本为 传输失败 → 畸形响应。
type Client struct {
	prefix  string
	script  []string
	logPath string

	mu    sync.Mutex
	calls int
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	if o.Script == nil {
		o.Script = []string{StepTransport, StepMalformed}
	}
	for _, s := range o.Script {
		switch s {
		case StepTransport, StepMalformed, StepHang:
		default:
			return nil, fmt.Errorf("flaky: %w: unknown step %q", contract.ErrInvalidInput, s)
		}
	}
	return &Client{prefix: o.Prefix, script: o.Script, logPath: o.LogPath}, nil
}

// next 领取本次调用序号与步骤，并按领取顺序落日志。
func (c *Client) next(block int) (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	step := "ok"
	if c.calls <= len(c.script) {
		step = c.script[c.calls-1]
	}
	if c.logPath != "" {
		if f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644); err == nil {
			fmt.Fprintf(f, "%d %s block=%d\n", c.calls, step, block)
			_ = f.Close()
		}
	}
	return c.calls, step
}

// Invoke 实现 contract.LLMClient。hang 步骤阻塞至 ctx 结束。
func (c *Client) Invoke(ctx context.Context, job contract.Job, _ contract.Prompt) (contract.Raw, error) {
	_, step := c.next(job.Block.Index)
	switch step {
	case StepTransport:
		return contract.Raw{}, ErrConnectionReset
	case StepMalformed:
		return contract.Raw{Text: c.prefix + ": not json"}, nil
	case StepHang:
		<-ctx.Done()
		return contract.Raw{}, ctx.Err()
	}
	return contract.Raw{Text: mock.Render(job, c.prefix, mock.Const(contract.ExplicitlyMentioned))}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

var _ contract.LLMClient = (*Client)(nil)
