package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"policyeval/pkg/contract"
)

// Options: 离线调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // Suggested Rewrite 前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式（用于集成测试与无网络联调）。
	//  - "" / "keyword": 按清单文本与 Block 文本的关键词重合度判定（≥2 命中为 Explicit，1 为 Partial，否则 Missing）；
	//  - "explicit": 全部判为 Explicitly Mentioned；
	//  - "missing": 全部判为 Missing；
	//  - "malformed": 返回无法解析的文本；
	//  - "echo": 回显 Prompt 摘要。
	ResponseMode string `json:"response_mode,omitempty"`
	// Fenced: 用 ```json 代码围栏包裹响应（用于验证解码器容错）。
	Fenced bool `json:"fenced,omitempty"`
	// DelayMs: 每次调用的模拟延迟（尊重 ctx 取消）。
	DelayMs int `json:"delay_ms,omitempty"`
}

type Client struct {
	prefix string
	mode   string
	fenced bool
	delay  time.Duration
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.ToLower(strings.TrimSpace(o.ResponseMode))
	if mode == "" {
		mode = "keyword"
	}
	switch mode {
	case "keyword", "explicit", "missing", "malformed", "echo":
	default:
		return nil, fmt.Errorf("mock: %w: unknown response_mode %q", contract.ErrInvalidInput, o.ResponseMode)
	}
	return &Client{prefix: o.Prefix, mode: mode, fenced: o.Fenced, delay: time.Duration(o.DelayMs) * time.Millisecond}, nil
}

func (c *Client) Invoke(ctx context.Context, job contract.Job, p contract.Prompt) (contract.Raw, error) {
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contract.Raw{}, ctx.Err()
		case <-t.C:
		}
	}
	var text string
	switch c.mode {
	case "explicit":
		text = Render(job, c.prefix, Const(contract.ExplicitlyMentioned))
	case "missing":
		text = Render(job, c.prefix, Const(contract.Missing))
	case "malformed":
		text = c.prefix + ": unable to evaluate this block"
	case "echo":
		text = echo(c.prefix, p)
	default:
		text = Render(job, c.prefix, Keyword)
	}
	if c.fenced {
		text = "```json\n" + text + "\n```"
	}
	return contract.Raw{Text: text}, nil
}

var _ contract.LLMClient = (*Client)(nil)

// Judge: 单条清单要求对单个 Block 的判定函数。
type Judge func(req contract.Requirement, block contract.Block) contract.Status

// Const 返回恒定判定。
func Const(s contract.Status) Judge {
	return func(contract.Requirement, contract.Block) contract.Status { return s }
}

// Keyword 以长度≥5 的关键词重合数判定：≥2 为 Explicit，1 为 Partial，0 为 Missing。
func Keyword(req contract.Requirement, block contract.Block) contract.Status {
	blockWords := words(block.Text)
	hits := 0
	for w := range words(req.Text) {
		if _, ok := blockWords[w]; ok {
			hits++
		}
	}
	switch {
	case hits >= 2:
		return contract.ExplicitlyMentioned
	case hits == 1:
		return contract.PartiallyMentioned
	default:
		return contract.Missing
	}
}

func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len(f) >= 5 {
			out[f] = struct{}{}
		}
	}
	return out
}

// Render 按评估响应形状输出严格 JSON；Compliance Score 为 Explicit 占比。
func Render(job contract.Job, prefix string, judge Judge) string {
	type item struct {
		Item          string `json:"Checklist Item"`
		Status        string `json:"Status"`
		Justification string `json:"Justification"`
	}
	type resp struct {
		MatchLevel string  `json:"Match Level"`
		Score      float64 `json:"Compliance Score"`
		Items      []item  `json:"Checklist Evaluation"`
		Rewrite    string  `json:"Suggested Rewrite"`
		Meaning    string  `json:"Simplified Legal Meaning"`
	}
	r := resp{Items: make([]item, 0, len(job.Section.Requirements))}
	explicit := 0
	for _, req := range job.Section.Requirements {
		st := judge(req, job.Block)
		if st == contract.ExplicitlyMentioned {
			explicit++
		}
		r.Items = append(r.Items, item{
			Item:          fmt.Sprintf("%s. %s", req.ID, req.Text),
			Status:        string(st),
			Justification: fmt.Sprintf("block %d judged %s", job.Block.Index, strings.ToLower(string(st))),
		})
	}
	if n := len(job.Section.Requirements); n > 0 {
		r.Score = float64(explicit) / float64(n)
	}
	switch {
	case r.Score >= 0.75:
		r.MatchLevel = "High"
	case r.Score > 0:
		r.MatchLevel = "Medium"
	default:
		r.MatchLevel = "Low"
	}
	r.Rewrite = fmt.Sprintf("%s: %s", prefix, job.Block.Text)
	r.Meaning = fmt.Sprintf("%s: %s requires %d items", prefix, job.Section.Title, len(job.Section.Requirements))
	b, _ := json.Marshal(r)
	return string(b)
}

func echo(prefix string, p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return fmt.Sprintf("%s(text): %s", prefix, string(v))
	case contract.ChatPrompt:
		if len(v) == 0 {
			return fmt.Sprintf("%s(chat): <empty>", prefix)
		}
		return fmt.Sprintf("%s(chat:%s): %s", prefix, v[0].Role, v[0].Content)
	default:
		return fmt.Sprintf("%s(unknown prompt type)", prefix)
	}
}
