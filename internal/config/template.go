package config

import "encoding/json"

// DefaultTemplateConfig 返回一个"可运行"的默认配置模板：
// - 使用 mock LLM 与合理限额（离线调试友好），openai/gemini 定义齐全便于切换；
// - 默认输入为 STDIN（"-"），报告输出到 ./out，历史库位于 ./out/history.db；
// - 选项列出全部键，值为安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:         []string{"-"},
		Sections:       nil,
		Concurrency:    d.Concurrency,
		TimeoutSeconds: d.TimeoutSeconds,
		MaxTokens:      d.MaxTokens,
		Logging:        Logging{Level: "info"},
		Components: Components{
			Reader:        d.Components.Reader,
			Segmenter:     d.Components.Segmenter,
			PromptBuilder: d.Components.PromptBuilder,
			Decoder:       d.Components.Decoder,
			Writer:        d.Components.Writer,
			Renderers:     []string{"markdown", "csv", "jsonl"},
			Store:         d.Components.Store,
		},
		LLM: "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"keyword"}`),
				Limits:  Limits{RPM: 600, TPM: 1000000, MaxTokensPerReq: 16384},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 0,
  "temperature": 0,
  "org_id": "",
  "disable_schema": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 60, TPM: 200000, MaxTokensPerReq: 16384},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 0,
  "api_key_in_query": true,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 15, TPM: 250000, MaxTokensPerReq: 16384},
			},
		},
		Output: Output{Dir: "out", Name: "", StorePath: "out/history.db"},
		Server: Server{Addr: d.Server.Addr, MaxBodyBytes: 4 << 20},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git", "node_modules", "out"],
  "allow_exts": [".txt", ".md", ".docx"],
  "max_docx_bytes": 33554432
}`)
	cfg.Options.Segmenter = json.RawMessage(`{
  "heading_patterns": []
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "industry": ""
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "skip_invalid_items": false
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536,
  "lock_timeout_ms": 5000
}`)
	cfg.Options.Renderers = map[string]json.RawMessage{
		"markdown": json.RawMessage(`{"title": "Compliance Report", "omit_rewrite": false, "omit_stats": false}`),
		"csv":      json.RawMessage(`{"delimiter": ",", "no_header": false}`),
		"jsonl":    json.RawMessage(`{"skip_missing": false}`),
	}
	return cfg
}

// EnvTemplate 为 init-config 写出的 .env 模板。
const EnvTemplate = `# policyeval 环境变量（启动时自动加载 .env；已存在的进程环境优先）
OPENAI_API_KEY=
GOOGLE_API_KEY=
# POLICYEVAL_LLM=openai
# POLICYEVAL_CONCURRENCY=4
# POLICYEVAL_TIMEOUT_SECONDS=60
# POLICYEVAL_SECTIONS=section_4,section_6
# POLICYEVAL_LOG_LEVEL=info
`
