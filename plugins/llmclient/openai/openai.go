package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"policyeval/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）；0 表示不设，仅受调用上下文约束
	Temperature    *float64 `json:"temperature,omitempty"`
	// OrgID: 可选组织标识。
	OrgID string `json:"org_id"`
	// DisableSchema: 为 true 时改用 json_object 模式，不下发 Prompt 携带的 schema。
	DisableSchema bool `json:"disable_schema"`
	// ExtraHeaders: 追加/覆盖请求头（用于 OpenAI 兼容服务，如 OpenRouter 等）。
	ExtraHeaders map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
}

// Client 基于 go-openai 的 Chat Completions 客户端。
type Client struct {
	api           *goopenai.Client
	hc            *http.Client
	model         string
	temp          *float64
	disableSchema bool
}

// headerDoer 在委托 http.Client 前注入额外请求头。
type headerDoer struct {
	hc *http.Client
	h  map[string]string
}

func (d headerDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range d.h {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	return d.hc.Do(req)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	cfg.OrgID = opts.OrgID
	hc := &http.Client{}
	if opts.TimeoutSeconds > 0 {
		hc.Timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	cfg.HTTPClient = headerDoer{hc: hc, h: opts.ExtraHeaders}
	return &Client{
		api:           goopenai.NewClientWithConfig(cfg),
		hc:            hc,
		model:         opts.Model,
		temp:          opts.Temperature,
		disableSchema: opts.DisableSchema,
	}, nil
}

func (c *Client) request(p contract.Prompt) (goopenai.ChatCompletionRequest, error) {
	pp, schema := contract.SplitJSONSchema(p)
	req := goopenai.ChatCompletionRequest{Model: c.model}
	if c.temp != nil {
		req.Temperature = float32(*c.temp)
	}
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Messages = []goopenai.ChatCompletionMessage{{Role: goopenai.ChatMessageRoleUser, Content: string(v)}}
	case contract.ChatPrompt:
		req.Messages = make([]goopenai.ChatCompletionMessage, 0, len(v))
		for _, m := range v {
			req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	default:
		return req, contract.ErrInvalidInput
	}
	switch {
	case len(schema) > 0 && !c.disableSchema:
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:   "block_evaluation",
				Schema: schema,
				Strict: true,
			},
		}
	case len(schema) > 0:
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req, nil
}

// Invoke: 单次调用，同步返回。
func (c *Client) Invoke(ctx context.Context, job contract.Job, p contract.Prompt) (contract.Raw, error) {
	req, err := c.request(p)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

// classify 将 go-openai 的错误映射到契约错误：429→限流；5xx/408→上游网络；其余 4xx→输入/配置无效。
func classify(err error) error {
	status, msg := 0, err.Error()
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return err
	}
	return contract.HTTPStatusError("openai", status, msg)
}

var _ contract.LLMClient = (*Client)(nil)
