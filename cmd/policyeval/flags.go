package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "policyeval/internal/config"
	"policyeval/internal/diag"
)

// globalFlags: 各子命令共享的配置覆盖旗标。
type globalFlags struct {
	config      string
	llm         string
	concurrency int
	timeout     int
	maxTokens   int
	sections    []string
	checklist   string
	logLevel    string
	status      bool
}

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "配置文件路径（JSON）；缺省读取 ./config.json（若存在）")
	pf.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	pf.IntVar(&f.concurrency, "concurrency", 0, "单个 Section 内的并发评估数（覆盖配置）")
	// timeout 允许显式设置为 0；默认 -1 表示"未覆盖"。
	pf.IntVar(&f.timeout, "timeout", -1, "单次评估超时秒数（覆盖配置；0 表示不设超时）")
	pf.IntVar(&f.maxTokens, "max-tokens", 0, "单请求 token 预算（覆盖配置）")
	pf.StringSliceVar(&f.sections, "sections", nil, "待分析的 Section ID（逗号分隔；缺省全部）")
	pf.StringVar(&f.checklist, "checklist", "", "清单文件（YAML/JSON），覆盖内置清单")
	pf.StringVar(&f.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	pf.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
}

// resolve 按 Defaults → JSON → ENV → CLI 合并出最终配置。
func (f *globalFlags) resolve(inputs []string) (cfgpkg.Config, error) {
	// 来源优先级：--config > POLICYEVAL_CONFIG_JSON > POLICYEVAL_CONFIG_FILE > ./config.json（若存在）。
	var cfgJSON []byte
	path := f.config
	if path == "" {
		if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
			cfgJSON = []byte(s)
		}
	}
	if path == "" && len(cfgJSON) == 0 {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" && len(cfgJSON) == 0 {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || len(cfgJSON) > 0 {
		base, err := cfgpkg.LoadJSON(path, cfgJSON)
		if err != nil {
			return cfg, configErr("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, configErr("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, over)

	cli := cfgpkg.Config{
		Inputs:         inputs,
		Sections:       f.sections,
		ChecklistPath:  f.checklist,
		Concurrency:    f.concurrency,
		TimeoutSeconds: f.timeout,
		MaxTokens:      f.maxTokens,
		LLM:            f.llm,
		Logging:        cfgpkg.Logging{Level: strings.ToLower(f.logLevel)},
	}
	cfg = cfgpkg.Merge(cfg, cli)

	if err := cfgpkg.Validate(cfg); err != nil {
		dumpConfig(os.Stderr, cfg)
		return cfg, &exitError{code: exitConfig, err: fmt.Errorf("配置校验失败: %w", err)}
	}
	return cfg, nil
}

// debugConfig 以 debug 等级输出运行时配置（已脱敏）。
func debugConfig(logger *diag.Logger, cfg cfgpkg.Config) {
	kv := map[string]string{
		"inputs_count":    fmt.Sprintf("%d", len(cfg.Inputs)),
		"sections":        strings.Join(cfg.Sections, ","),
		"concurrency":     fmt.Sprintf("%d", cfg.Concurrency),
		"timeout_seconds": fmt.Sprintf("%d", cfg.TimeoutSeconds),
		"max_tokens":      fmt.Sprintf("%d", cfg.MaxTokens),
		"llm":             cfg.LLM,
		"segmenter":       cfg.Components.Segmenter,
		"prompt_builder":  cfg.Components.PromptBuilder,
		"decoder":         cfg.Components.Decoder,
		"renderers":       strings.Join(cfg.Components.Renderers, ","),
	}
	if p, ok := cfg.Provider[cfg.LLM]; ok {
		kv["provider_client"] = p.Client
		var s struct {
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = json.Unmarshal(p.Options, &s)
		if s.BaseURL != "" {
			kv["base_url"] = s.BaseURL
		}
		if s.Model != "" {
			kv["model"] = s.Model
		}
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

func dumpConfig(w *os.File, c cfgpkg.Config) {
	// 密钥可能出现在 provider options 中，不输出 provider 子树
	c.Provider = nil
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "有效配置（不含 provider）:\n%s\n", b)
}
