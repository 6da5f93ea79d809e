package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Inputs []string `json:"inputs"`
	// Sections: 待分析的 Section ID；为空表示按注册表顺序分析全部。
	Sections []string `json:"sections"`
	// ChecklistPath: 覆盖内置清单的 YAML/JSON 文件；为空使用内置清单。
	ChecklistPath string `json:"checklist_path"`
	Concurrency   int    `json:"concurrency" validate:"gte=1,lte=256"`
	// TimeoutSeconds: 单次评估超时；0 表示不设超时。
	TimeoutSeconds int `json:"timeout_seconds" validate:"gte=0"`
	// MaxTokens: 单请求 token 估算上限（限流闸门预算）。
	MaxTokens int `json:"max_tokens" validate:"gt=0"`
	// DivergenceThreshold: 自报分数与独立分数的告警阈值；0 使用默认 0.25。
	DivergenceThreshold float64 `json:"divergence_threshold" validate:"gte=0,lte=1"`
	Logging             Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider" validate:"dive"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	Output Output `json:"output"`
	Server Server `json:"server"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string   `json:"reader"`
	Segmenter     string   `json:"segmenter"`
	PromptBuilder string   `json:"prompt_builder"`
	Decoder       string   `json:"decoder"`
	Writer        string   `json:"writer"`
	Renderers     []string `json:"renderers"`
	Store         string   `json:"store"`
}

// Options: 各组件的原样 JSON Options。Renderers 以渲染器名为键。
type Options struct {
	Reader        json.RawMessage            `json:"reader"`
	Segmenter     json.RawMessage            `json:"segmenter"`
	PromptBuilder json.RawMessage            `json:"prompt_builder"`
	Decoder       json.RawMessage            `json:"decoder"`
	Writer        json.RawMessage            `json:"writer"`
	Renderers     map[string]json.RawMessage `json:"renderers"`
}

// Output: 产物命名与历史库位置。
type Output struct {
	// Dir: 未在 writer options 中给出 output_dir 时使用。
	Dir string `json:"dir"`
	// Name: 产物基名；为空时取输入文档的基名（STDIN 为 "stdin"）。
	Name string `json:"name"`
	// StorePath: SQLite 历史库路径；为空表示不记录历史。
	StorePath string `json:"store_path"`
}

// Server: serve 子命令的监听设置。
type Server struct {
	Addr string `json:"addr"`
	// MaxBodyBytes: POST /v1/analyze 请求体上限；<=0 为 4MiB。
	MaxBodyBytes int64 `json:"max_body_bytes" validate:"gte=0"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client" validate:"required"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm" validate:"gte=0"`
	TPM             int `json:"tpm" validate:"gte=0"`
	MaxTokensPerReq int `json:"max_tokens_per_req" validate:"gte=0"`
}
