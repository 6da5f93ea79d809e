package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvPrefix: 环境变量覆盖的统一前缀。
const EnvPrefix = "POLICYEVAL_"

// unset: 对 0 有语义的整型字段（timeout_seconds）表示"未提供"。
const unset = -1

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:    4,
		TimeoutSeconds: 60,
		MaxTokens:      8192,
		Logging:        Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Segmenter:     "heading",
			PromptBuilder: "checklist",
			Decoder:       "evaljson",
			Writer:        "fs",
			Renderers:     []string{"markdown"},
			Store:         "sqlite",
		},
		Output: Output{Dir: "out"},
		Server: Server{Addr: ":8080"},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 timeout_seconds 记为未提供，由 Merge 保留默认值。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{TimeoutSeconds: unset}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为"替换"；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if len(over.Sections) > 0 {
		out.Sections = cloneStrings(over.Sections)
	}
	if s := strings.TrimSpace(over.ChecklistPath); s != "" {
		out.ChecklistPath = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// 0 表示不设超时，需要显式可覆盖；unset 视为未覆盖
	if over.TimeoutSeconds != unset {
		out.TimeoutSeconds = over.TimeoutSeconds
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.DivergenceThreshold != 0 {
		out.DivergenceThreshold = over.DivergenceThreshold
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	// 组件名（空不覆盖）
	oc := over.Components
	if oc.Reader != "" {
		out.Components.Reader = oc.Reader
	}
	if oc.Segmenter != "" {
		out.Components.Segmenter = oc.Segmenter
	}
	if oc.PromptBuilder != "" {
		out.Components.PromptBuilder = oc.PromptBuilder
	}
	if oc.Decoder != "" {
		out.Components.Decoder = oc.Decoder
	}
	if oc.Writer != "" {
		out.Components.Writer = oc.Writer
	}
	if len(oc.Renderers) > 0 {
		out.Components.Renderers = cloneStrings(oc.Renderers)
	}
	if oc.Store != "" {
		out.Components.Store = oc.Store
	}

	// Provider：按字段覆盖（空值/0 不覆盖）
	if len(over.Provider) > 0 {
		merged := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			merged[k] = v
		}
		for k, v := range over.Provider {
			merged[k] = mergeProvider(merged[k], v)
		}
		out.Provider = merged
	}

	// Options（完整替换对应键）
	oo := over.Options
	if len(oo.Reader) > 0 {
		out.Options.Reader = cloneRaw(oo.Reader)
	}
	if len(oo.Segmenter) > 0 {
		out.Options.Segmenter = cloneRaw(oo.Segmenter)
	}
	if len(oo.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(oo.PromptBuilder)
	}
	if len(oo.Decoder) > 0 {
		out.Options.Decoder = cloneRaw(oo.Decoder)
	}
	if len(oo.Writer) > 0 {
		out.Options.Writer = cloneRaw(oo.Writer)
	}
	if len(oo.Renderers) > 0 {
		merged := make(map[string]json.RawMessage, len(out.Options.Renderers)+len(oo.Renderers))
		for k, v := range out.Options.Renderers {
			merged[k] = v
		}
		for k, v := range oo.Renderers {
			merged[k] = cloneRaw(v)
		}
		out.Options.Renderers = merged
	}

	if s := strings.TrimSpace(over.Output.Dir); s != "" {
		out.Output.Dir = s
	}
	if s := strings.TrimSpace(over.Output.Name); s != "" {
		out.Output.Name = s
	}
	if s := strings.TrimSpace(over.Output.StorePath); s != "" {
		out.Output.StorePath = s
	}
	if s := strings.TrimSpace(over.Server.Addr); s != "" {
		out.Server.Addr = s
	}
	if over.Server.MaxBodyBytes != 0 {
		out.Server.MaxBodyBytes = over.Server.MaxBodyBytes
	}

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 POLICYEVAL_；集合之外的键忽略。
// 支持：INPUTS, SECTIONS, CHECKLIST_PATH, CONCURRENCY, TIMEOUT_SECONDS, MAX_TOKENS, LLM, LOG_LEVEL,
// COMPONENTS_*, OUTPUT_{DIR,NAME,STORE_PATH}, SERVER_ADDR
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
func EnvOverlay(environ []string) (Config, error) {
	over := Config{TimeoutSeconds: unset}
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		tv := strings.TrimSpace(val)
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "SECTIONS":
			over.Sections = splitComma(val)
		case "CHECKLIST_PATH":
			over.ChecklistPath = tv
		case "CONCURRENCY":
			if v, err := atoi(val); err == nil {
				over.Concurrency = v
			}
		case "TIMEOUT_SECONDS":
			if v, err := atoi(val); err == nil {
				over.TimeoutSeconds = v
			}
		case "MAX_TOKENS":
			if v, err := atoi(val); err == nil {
				over.MaxTokens = v
			}
		case "LLM":
			over.LLM = tv
		case "LOG_LEVEL":
			over.Logging.Level = strings.ToLower(tv)
		case "COMPONENTS_READER":
			over.Components.Reader = tv
		case "COMPONENTS_SEGMENTER":
			over.Components.Segmenter = tv
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = tv
		case "COMPONENTS_DECODER":
			over.Components.Decoder = tv
		case "COMPONENTS_WRITER":
			over.Components.Writer = tv
		case "COMPONENTS_RENDERERS":
			over.Components.Renderers = splitComma(val)
		case "COMPONENTS_STORE":
			over.Components.Store = tv
		case "OUTPUT_DIR":
			over.Output.Dir = tv
		case "OUTPUT_NAME":
			over.Output.Name = tv
		case "OUTPUT_STORE_PATH":
			over.Output.StorePath = tv
		case "SERVER_ADDR":
			over.Server.Addr = tv
		default:
			if strings.HasPrefix(nk, "PROVIDER__") {
				envProvider(prov, nk, val)
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// envProvider 处理 PROVIDER__name__FIELD；仅在发生有效变更时记录该 provider，避免空值覆盖 config.json。
func envProvider(prov map[string]Provider, nk, val string) {
	parts := strings.Split(nk, "__")
	if len(parts) < 3 {
		return
	}
	name := strings.TrimSpace(parts[1])
	field := strings.Join(parts[2:], "__")
	p := prov[name]
	changed := false
	switch field {
	case "CLIENT":
		if tv := strings.TrimSpace(val); tv != "" {
			p.Client = tv
			changed = true
		}
	case "LIMITS_RPM":
		if v, err := atoi(val); err == nil {
			p.Limits.RPM = v
			changed = true
		}
	case "LIMITS_TPM":
		if v, err := atoi(val); err == nil {
			p.Limits.TPM = v
			changed = true
		}
	case "LIMITS_MAX_TOKENS_PER_REQ":
		if v, err := atoi(val); err == nil {
			p.Limits.MaxTokensPerReq = v
			changed = true
		}
	case "OPTIONS_JSON":
		if strings.TrimSpace(val) != "" {
			p.Options = json.RawMessage(val)
			changed = true
		}
	}
	if changed {
		prov[name] = p
	}
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if over.Client != "" {
		out.Client = over.Client
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
