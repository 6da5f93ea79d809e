package testdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "policyeval/internal/config"
	"policyeval/pkg/contract"
)

// baseConfig 构造离线可运行的完整配置：报告与历史库均落在 outDir。
func baseConfig(input, outDir string) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = []string{input}
	cfg.Logging.Level = "error"
	cfg.Components.Renderers = []string{"markdown", "html", "csv", "jsonl"}
	cfg.Output = cfgpkg.Output{Dir: outDir, StorePath: filepath.Join(outDir, "history.db")}
	cfg.Options.Writer = json.RawMessage(fmt.Sprintf(`{"output_dir":%q,"atomic":true,"flat":true}`, outDir))
	return cfg
}

// runDocument 装配并对每个输入执行完整流程：分析 → 历史入库 → 渲染写出。
func runDocument(t *testing.T, cfg cfgpkg.Config) []contract.Summary {
	t.Helper()
	require.NoError(t, cfgpkg.Validate(cfg))
	require.NoError(t, cfgpkg.ValidateInputs(cfg))
	app, err := cfgpkg.Assemble(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := context.Background()
	var out []contract.Summary
	err = app.Reader.Iterate(ctx, cfg.Inputs, func(id contract.DocumentID, rc io.ReadCloser) error {
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		sum, err := app.Analyzer.AnalyzeDocument(ctx, string(id), app.Sections, string(data))
		if err != nil {
			return err
		}
		if app.Store != nil {
			if err := app.Store.Save(ctx, sum); err != nil {
				return err
			}
		}
		base := strings.TrimSuffix(filepath.Base(string(id)), filepath.Ext(string(id)))
		for _, r := range app.Renderers {
			rd, err := r.Render(ctx, sum)
			if err != nil {
				return err
			}
			if err := app.Writer.Write(ctx, contract.ArtifactID(base+".report."+r.Ext()), rd); err != nil {
				return err
			}
		}
		out = append(out, sum)
		return nil
	})
	require.NoError(t, err)
	return out
}

// E2E-01: 全部 Explicit 时各 Section 满分，四种产物与历史记录齐全。
func TestE2EExplicit(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(filepath.Join("policy", "sample.txt"), outDir)
	cfg.Provider["mock"] = cfgpkg.Provider{Client: "mock", Options: json.RawMessage(`{"response_mode":"explicit"}`)}

	sums := runDocument(t, cfg)
	require.Len(t, sums, 1)
	sum := sums[0]
	require.Len(t, sum.Reports, 5, "缺省分析全部 Section")
	assert.Equal(t, 100.0, sum.Overall)
	for _, rep := range sum.Reports {
		assert.Equal(t, contract.FullyCompliant, rep.Tier, "section %s", rep.SectionID)
		assert.Equal(t, 1.0, rep.Score)
		assert.Equal(t, rep.Stats.Blocks, rep.Stats.Succeeded)
		assert.NotEmpty(t, rep.SuggestedRewrite)
		for _, ev := range rep.Evidence {
			require.NotEmpty(t, ev.Matches)
			assert.Equal(t, 0, ev.Matches[0].BlockIndex, "最早 Block 在前")
		}
	}

	for _, ext := range []string{"md", "html", "csv", "jsonl"} {
		assert.FileExists(t, filepath.Join(outDir, "sample.report."+ext))
	}
	html, err := os.ReadFile(filepath.Join(outDir, "sample.report.html"))
	require.NoError(t, err)
	assert.Contains(t, string(html), "<table>")

	st, err := cfgpkg.Assemble(cfg, nil)
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.Store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sum.RunID, recs[0].RunID)
}

// E2E-02: 全部 Missing 时得分为 0，报告不列出已命中条目。
func TestE2EMissing(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(filepath.Join("policy", "sample.txt"), outDir)
	cfg.Sections = []string{"section_6"}
	cfg.Provider["mock"] = cfgpkg.Provider{Client: "mock", Options: json.RawMessage(`{"response_mode":"missing"}`)}

	sum := runDocument(t, cfg)[0]
	require.Len(t, sum.Reports, 1)
	rep := sum.Reports[0]
	assert.Equal(t, contract.NonCompliant, rep.Tier)
	assert.Zero(t, rep.Score)
	require.NotEmpty(t, rep.Evidence)
	for _, ev := range rep.Evidence {
		assert.Equal(t, contract.Missing, ev.Representative())
	}
	assert.Zero(t, sum.Overall)

	md, err := os.ReadFile(filepath.Join(outDir, "sample.report.md"))
	require.NoError(t, err)
	assert.NotContains(t, string(md), "✅", "Missing 不计入已命中条目")
}

// E2E-03: 失败相互隔离：传输失败与格式错误各计一次，其余 Block 正常汇总。
func TestE2EFlakyIsolation(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig(filepath.Join("policy", "sample.txt"), outDir)
	cfg.Sections = []string{"section_4"}
	cfg.Concurrency = 1
	cfg.LLM = "flaky"
	cfg.Provider["flaky"] = cfgpkg.Provider{Client: "flaky", Options: json.RawMessage(fmt.Sprintf(`{"log_path":%q}`, logPath))}

	rep := runDocument(t, cfg)[0].Reports[0]
	assert.Equal(t, rep.Stats.Blocks, rep.Stats.Attempted, "每个 Block 恰好评估一次")
	assert.Equal(t, rep.Stats.Blocks-2, rep.Stats.Succeeded)
	assert.Equal(t, 1, rep.Stats.Failed[contract.KindTransportFailure])
	assert.Equal(t, 1, rep.Stats.Failed[contract.KindMalformedResponse])
	assert.Equal(t, contract.FullyCompliant, rep.Tier)
	for _, ev := range rep.Evidence {
		assert.Equal(t, 2, ev.Matches[0].BlockIndex, "前两个 Block 失败，代表证据来自第三个")
	}

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "transport_failure block=0")
	assert.Contains(t, lines[1], "malformed block=1")
}

// E2E-04: 预算不足在装配期失败，不产生任何产物。
func TestE2EBudgetExceeded(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(filepath.Join("policy", "sample.txt"), outDir)
	cfg.MaxTokens = 1
	_, err := cfgpkg.Assemble(cfg, nil)
	require.ErrorIs(t, err, contract.ErrBudgetExceeded)
	_, statErr := os.Stat(filepath.Join(outDir, "sample.report.md"))
	assert.True(t, os.IsNotExist(statErr))
}
