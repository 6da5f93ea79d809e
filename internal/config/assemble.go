package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"policyeval/internal/analyzer"
	"policyeval/internal/checklist"
	"policyeval/internal/diag"
	"policyeval/internal/evaluator"
	"policyeval/internal/prompt"
	"policyeval/internal/rate"
	"policyeval/pkg/contract"
	"policyeval/pkg/registry"
)

var validate = validator.New()

// Validate 对最小必要边界做静态校验（结构标签 + 跨字段约束）。
// 输入路径不在此处要求：serve/sections 子命令不读取文档，见 ValidateInputs。
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			return fmt.Errorf("config: %s: failed %q", strings.ToLower(ve[0].Namespace()), ve[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Segmenter, d.Segmenter); registry.Segmenter[name] == nil {
		return fmt.Errorf("config: segmenter %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		return fmt.Errorf("config: decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if name := effName(cfg.Components.Store, d.Store); registry.Store[name] == nil {
		return fmt.Errorf("config: store %q not registered", name)
	}
	seen := map[string]struct{}{}
	for _, name := range cfg.Components.Renderers {
		if registry.Renderer[name] == nil {
			return fmt.Errorf("config: renderer %q not registered (known: %s)", name, strings.Join(registry.Names(registry.Renderer), ", "))
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: renderer %q listed twice", name)
		}
		seen[name] = struct{}{}
	}
	for name := range cfg.Options.Renderers {
		if registry.Renderer[name] == nil {
			return fmt.Errorf("config: options for unknown renderer %q", name)
		}
	}
	return nil
}

// ValidateInputs 校验 analyze 的输入根。
func ValidateInputs(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// "-" 不能与其他根混用
	dash := false
	for _, r := range cfg.Inputs {
		switch strings.TrimSpace(r) {
		case "":
			return errors.New("config: input path cannot be empty")
		case "-":
			dash = true
		}
	}
	if dash && len(cfg.Inputs) > 1 {
		return errors.New("config: '-' cannot be mixed with other roots")
	}
	return nil
}

// App: 装配完成的运行期组件。Store 为 nil 表示未启用历史记录。
type App struct {
	Registry  *checklist.Registry
	Analyzer  *analyzer.Analyzer
	Reader    contract.Reader
	Writer    contract.Writer
	Renderers []contract.Renderer
	Store     contract.Store
	Sections  []contract.SectionID
	Gate      rate.Gate
	GateKey   rate.LimitKey
	Output    Output
}

// Close 释放持有资源（历史库连接）。
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// Assemble 构造全部组件、限流 Gate+Key，并在装配期完成预算与 Section 校验。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, logger *diag.Logger) (*App, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = diag.Discard()
	}
	d := Defaults().Components

	reg, err := checklist.LoadFile(cfg.ChecklistPath)
	if err != nil {
		return nil, err
	}
	sections, err := selectSections(reg, cfg.Sections)
	if err != nil {
		return nil, err
	}

	rd, err := registry.Reader[effName(cfg.Components.Reader, d.Reader)](cfg.Options.Reader)
	if err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	seg, err := registry.Segmenter[effName(cfg.Components.Segmenter, d.Segmenter)](cfg.Options.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, fmt.Errorf("prompt_builder: %w", err)
	}
	if err := prompt.CheckBudget(pb, 0, cfg.MaxTokens); err != nil {
		return nil, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	wopts, err := withDefaultKey(cfg.Options.Writer, "output_dir", effName(cfg.Output.Dir, Defaults().Output.Dir))
	if err != nil {
		return nil, fmt.Errorf("writer options: %w", err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, d.Writer)](wopts)
	if err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}
	names := cfg.Components.Renderers
	if len(names) == 0 {
		names = d.Renderers
	}
	renderers := make([]contract.Renderer, 0, len(names))
	for _, name := range names {
		r, err := registry.Renderer[name](cfg.Options.Renderers[name])
		if err != nil {
			return nil, fmt.Errorf("renderer %s: %w", name, err)
		}
		renderers = append(renderers, r)
	}

	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", cfg.LLM, err)
	}

	// 默认使用 API Key 派生分组键（更稳定）；若失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	ev, err := evaluator.New(llm, dec, evaluator.Options{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		Gate:    gate,
		GateKey: key,
	}, logger)
	if err != nil {
		return nil, err
	}
	an, err := analyzer.New(analyzer.Components{
		Registry:      reg,
		Segmenter:     seg,
		PromptBuilder: pb,
		Evaluator:     ev,
	}, analyzer.Settings{
		Concurrency:         cfg.Concurrency,
		DivergenceThreshold: cfg.DivergenceThreshold,
		LLM:                 cfg.LLM,
	}, logger)
	if err != nil {
		return nil, err
	}

	var st contract.Store
	if path := strings.TrimSpace(cfg.Output.StorePath); path != "" {
		raw, _ := json.Marshal(map[string]string{"path": path})
		st, err = registry.Store[effName(cfg.Components.Store, d.Store)](raw)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}

	return &App{
		Registry:  reg,
		Analyzer:  an,
		Reader:    rd,
		Writer:    w,
		Renderers: renderers,
		Store:     st,
		Sections:  sections,
		Gate:      gate,
		GateKey:   key,
		Output:    cfg.Output,
	}, nil
}

// selectSections 解析 Section 选择；为空时按注册表顺序返回全部。
func selectSections(reg *checklist.Registry, want []string) ([]contract.SectionID, error) {
	if len(want) == 0 {
		return reg.IDs(), nil
	}
	out := make([]contract.SectionID, 0, len(want))
	for _, s := range want {
		id := contract.SectionID(strings.TrimSpace(s))
		if _, err := reg.Section(id); err != nil {
			return nil, fmt.Errorf("config: sections: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// withDefaultKey 在原样 JSON 对象缺少 key 时补上默认值。
func withDefaultKey(raw json.RawMessage, key, value string) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	if _, ok := m[key]; ok {
		return raw, nil
	}
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	m[key] = v
	return json.Marshal(m)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
