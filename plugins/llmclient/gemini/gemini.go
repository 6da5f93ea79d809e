package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"policyeval/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时不设，仅受调用上下文约束。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// EndpointPath 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位。
	EndpointPath string `json:"endpoint_path"`
	// APIKeyInQuery 默认 false：使用 x-goog-api-key 头，避免 key 出现在 URL 中。
	APIKeyInQuery bool              `json:"api_key_in_query"`
	ExtraHeaders  map[string]string `json:"extra_headers"`
	Temperature   *float64          `json:"temperature,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
}

// Client 直接调用 generateContent REST 端点。
type Client struct {
	endpoint *url.URL
	apiKey   string
	inQuery  bool
	headers  map[string]string
	temp     *float64
	timeout  time.Duration
	do       func(*http.Request) (*http.Response, error)
}

func New(raw json.RawMessage) (contract.LLMClient, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key", contract.ErrInvalidInput)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w: endpoint %q: %v", contract.ErrInvalidInput, path, err)
	}
	hc := &http.Client{}
	if opts.TimeoutSeconds > 0 {
		hc.Timeout = time.Duration(opts.TimeoutSeconds) * time.Second
	}
	return &Client{endpoint: u, apiKey: key, inQuery: opts.APIKeyInQuery, headers: opts.ExtraHeaders, temp: opts.Temperature, timeout: hc.Timeout, do: hc.Do}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMIMEType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// buildRequest: system 消息并入 systemInstruction，其余按 user|model 下发；json_schema 转为 responseSchema。
func (c *Client) buildRequest(p contract.Prompt) (*generateRequest, error) {
	pp, schema := contract.SplitJSONSchema(p)
	req := &generateRequest{}
	switch v := pp.(type) {
	case contract.TextPrompt:
		req.Contents = []content{{Role: "user", Parts: []part{{Text: string(v)}}}}
	case contract.ChatPrompt:
		for _, m := range v {
			if strings.EqualFold(strings.TrimSpace(m.Role), "system") {
				if req.SystemInstruction == nil {
					req.SystemInstruction = &content{}
				}
				req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, part{Text: m.Content})
				continue
			}
			req.Contents = append(req.Contents, content{Role: role(m.Role), Parts: []part{{Text: m.Content}}})
		}
	default:
		return nil, fmt.Errorf("gemini: %w: unsupported prompt %T", contract.ErrInvalidInput, p)
	}
	if len(schema) > 0 || c.temp != nil {
		req.GenerationConfig = &generationConfig{Temperature: c.temp}
		if len(schema) > 0 {
			req.GenerationConfig.ResponseMIMEType = "application/json"
			req.GenerationConfig.ResponseSchema = stripAdditionalProperties(schema)
		}
	}
	return req, nil
}

// stripAdditionalProperties 递归删除 responseSchema 不接受的 additionalProperties；解析失败原样返回。
func stripAdditionalProperties(schema json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return schema
	}
	var walk func(any)
	walk = func(x any) {
		switch t := x.(type) {
		case map[string]any:
			delete(t, "additionalProperties")
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	walk(v)
	b, err := json.Marshal(v)
	if err != nil {
		return schema
	}
	return b
}

// role 将通用角色映射为 user|model。
func role(r string) string {
	switch strings.ToLower(strings.TrimSpace(r)) {
	case "model", "assistant":
		return "model"
	}
	return "user"
}

func (c *Client) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	u := *c.endpoint
	if c.inQuery {
		q := u.Query()
		q.Set("key", c.apiKey)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w: %v", contract.ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.headers {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

func (c *Client) Invoke(ctx context.Context, _ contract.Job, p contract.Prompt) (contract.Raw, error) {
	gr, err := c.buildRequest(p)
	if err != nil {
		return contract.Raw{}, err
	}
	body, err := json.Marshal(gr)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: encode: %w", err)
	}
	req, err := c.newHTTPRequest(ctx, body)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Raw{}, ctx.Err()
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return contract.Raw{}, contract.HTTPStatusError("gemini", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	return parseResponse(resp.Body)
}

// parseResponse 拼接首个候选的全部 text part；无候选或全空视为格式错误。
func parseResponse(r io.Reader) (contract.Raw, error) {
	var gr generateResponse
	if err := json.NewDecoder(r).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("gemini: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 {
		reason := "no candidates"
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			reason = "blocked: " + gr.PromptFeedback.BlockReason
		}
		return contract.Raw{}, fmt.Errorf("gemini: %s: %w", reason, contract.ErrResponseInvalid)
	}
	cand := gr.Candidates[0]
	var sb strings.Builder
	for _, pt := range cand.Content.Parts {
		sb.WriteString(pt.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidate (%s): %w", cand.FinishReason, contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: sb.String()}, nil
}

var _ contract.LLMClient = (*Client)(nil)
