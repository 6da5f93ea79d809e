package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "policyeval/internal/config"
	"policyeval/pkg/contract"
)

const policyText = `Introduction
We collect personal data for a lawful purpose with consent of the data principal.
Notice
The notice describes the personal data collected and the purpose of processing.
Grievance Redressal
Contact our grievance officer for complaints.
`

// chdir 切换到临时目录（日志与默认输出均落在其中）。
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return dir
}

func setConfig(t *testing.T, mutate func(c *cfgpkg.Config)) {
	t.Helper()
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Inputs = nil
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	t.Setenv("POLICYEVAL_CONFIG_JSON", string(b))
}

func runCLI(t *testing.T, ctx context.Context, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(ctx, args, &out, &errb)
	return code, out.String(), errb.String()
}

// UT-CLI-01: init-config 生成模板且不覆盖已有文件。
func TestInitConfig(t *testing.T) {
	dir := chdir(t)
	target := filepath.Join(dir, "cfg")
	code, out, _ := runCLI(t, context.Background(), "init-config", target)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "created")
	assert.FileExists(t, filepath.Join(target, "config.json"))
	assert.FileExists(t, filepath.Join(target, ".env"))

	cfg, err := cfgpkg.LoadJSON(filepath.Join(target, "config.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM)

	code, out, _ = runCLI(t, context.Background(), "init-config", target)
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "kept")

	code, out, _ = runCLI(t, context.Background(), "init-config", "-")
	require.Equal(t, exitOK, code)
	assert.True(t, json.Valid([]byte(out)))
}

// UT-CLI-02: analyze 端到端：写出全部渲染产物、输出 JSON、记录历史。
func TestAnalyzeWritesReports(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.txt"), []byte(policyText), 0o644))
	setConfig(t, nil)

	code, out, errOut := runCLI(t, context.Background(), "analyze", "--json", "--sections", "section_4,section_5", "--status=false", "policy.txt")
	require.Equal(t, exitOK, code, errOut)

	var sum contract.Summary
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &sum))
	assert.Equal(t, "policy.txt", sum.Document)
	require.Len(t, sum.Reports, 2)
	assert.Equal(t, contract.SectionID("section_4"), sum.Reports[0].SectionID)

	for _, ext := range []string{"md", "csv", "jsonl"} {
		assert.FileExists(t, filepath.Join(dir, "out", "policy.report."+ext))
	}
	md, err := os.ReadFile(filepath.Join(dir, "out", "policy.report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "Overall Compliance")

	code, out, _ = runCLI(t, context.Background(), "history", "--limit", "5")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, sum.RunID)
	assert.Contains(t, out, "policy.txt")
}

// UT-CLI-03: 配置类错误返回 3。
func TestConfigErrors(t *testing.T) {
	chdir(t)
	tests := []struct {
		name string
		cfg  func(c *cfgpkg.Config)
		args []string
	}{
		{"配置文件缺失", nil, []string{"analyze", "--config", "missing.json", "x.txt"}},
		{"无输入", nil, []string{"analyze"}},
		{"未知 Section", nil, []string{"analyze", "--sections", "section_99", "x.txt"}},
		{"未知 provider", nil, []string{"analyze", "--llm", "nope", "x.txt"}},
		{"非法并发", func(c *cfgpkg.Config) { c.Concurrency = -1 }, []string{"analyze", "x.txt"}},
		{"未知旗标", nil, []string{"analyze", "--bogus"}},
		{"历史库未配置", func(c *cfgpkg.Config) { c.Output.StorePath = "" }, []string{"history"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setConfig(t, tt.cfg)
			code, _, _ := runCLI(t, context.Background(), tt.args...)
			assert.Equal(t, exitConfig, code)
		})
	}
}

// UT-CLI-04: 运行期错误返回 1，取消返回 130。
func TestRunErrorsAndCancel(t *testing.T) {
	dir := chdir(t)
	setConfig(t, nil)
	code, _, errOut := runCLI(t, context.Background(), "analyze", "--status=false", "missing.txt")
	assert.Equal(t, exitRun, code)
	assert.Contains(t, errOut, "运行失败")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.txt"), []byte(policyText), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _, _ = runCLI(t, ctx, "analyze", "--status=false", "policy.txt")
	assert.Equal(t, exitCancelled, code)
}

// UT-CLI-05: sections 列出内置清单。
func TestSections(t *testing.T) {
	chdir(t)
	code, out, _ := runCLI(t, context.Background(), "sections")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "section_4")
	assert.Contains(t, out, "checklist digest")

	code, out, _ = runCLI(t, context.Background(), "sections", "--json")
	require.Equal(t, exitOK, code)
	var secs []contract.Section
	require.NoError(t, json.Unmarshal([]byte(out), &secs))
	assert.Len(t, secs, 5)

	code, _, _ = runCLI(t, context.Background(), "sections", "--checklist", "missing.yaml")
	assert.Equal(t, exitConfig, code)
}

// UT-CLI-06: .env 加载不覆盖已有变量。
func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	content := "# comment\nexport PE_TEST_A=\"x\\ty\"\nPE_TEST_B='raw\\n'\nPE_TEST_C=keep\n=bad\n"
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	t.Setenv("PE_TEST_C", "orig")
	t.Setenv("PE_TEST_A", "")
	require.NoError(t, os.Unsetenv("PE_TEST_A"))
	t.Setenv("PE_TEST_B", "")
	require.NoError(t, os.Unsetenv("PE_TEST_B"))

	require.NoError(t, loadDotEnv(p))
	assert.Equal(t, "x\ty", os.Getenv("PE_TEST_A"))
	assert.Equal(t, `raw\n`, os.Getenv("PE_TEST_B"))
	assert.Equal(t, "orig", os.Getenv("PE_TEST_C"))
	assert.NoError(t, loadDotEnv(filepath.Join(dir, "none")))
}

// UT-CLI-07: 产物基名。
func TestArtifactBase(t *testing.T) {
	assert.Equal(t, "custom", artifactBase("docs/a.txt", "custom", true))
	assert.Equal(t, "docs/a", artifactBase("docs/a.txt", "custom", false))
	assert.Equal(t, "stdin", artifactBase("-", "", true))
	assert.Equal(t, "a", artifactBase("./a.docx", "", true))
}

// UT-CLI-08: 显式 --config 优先于 POLICYEVAL_CONFIG_JSON。
func TestConfigFlagOverridesEnvJSON(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.txt"), []byte(policyText), 0o644))
	setConfig(t, func(c *cfgpkg.Config) { c.Output.Dir = "env-out" })

	fileCfg := cfgpkg.DefaultTemplateConfig()
	fileCfg.Inputs = nil
	fileCfg.Output.Dir = "file-out"
	b, err := json.Marshal(fileCfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.json"), b, 0o644))

	code, _, errOut := runCLI(t, context.Background(), "analyze", "--config", "custom.json", "--sections", "section_4", "--status=false", "policy.txt")
	require.Equal(t, exitOK, code, errOut)
	assert.FileExists(t, filepath.Join(dir, "file-out", "policy.report.md"))
	assert.NoDirExists(t, filepath.Join(dir, "env-out"))

	// 未给 --config 时仍使用环境变量中的 JSON。
	code, _, errOut = runCLI(t, context.Background(), "analyze", "--sections", "section_4", "--status=false", "policy.txt")
	require.Equal(t, exitOK, code, errOut)
	assert.FileExists(t, filepath.Join(dir, "env-out", "policy.report.md"))
}
