package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	cfgpkg "policyeval/internal/config"
)

// newInitConfigCommand 在目录中生成 config.json 与 .env 模板（已存在则跳过，不覆盖）。
func newInitConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write config.json and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if dir == "-" {
				return writeConfig(cmd.OutOrStdout(), cfgpkg.DefaultTemplateConfig())
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			cfgPath := filepath.Join(dir, "config.json")
			created, err := createExclusive(cfgPath, func(f *os.File) error { return writeConfig(f, cfgpkg.DefaultTemplateConfig()) })
			if err != nil {
				return configErr("生成默认配置失败: %w", err)
			}
			report(cmd, cfgPath, created)
			envPath := filepath.Join(dir, ".env")
			created, err = createExclusive(envPath, func(f *os.File) error {
				_, err := f.WriteString(cfgpkg.EnvTemplate)
				return err
			})
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "提示：.env 生成失败（已跳过）：%v\n", err)
				return nil
			}
			report(cmd, envPath, created)
			return nil
		},
	}
}

func report(cmd *cobra.Command, path string, created bool) {
	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "exists  %s (kept)\n", path)
	}
}

func writeConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// createExclusive 仅在文件不存在时创建并写入；已存在返回 (false, nil)。
func createExclusive(path string, fill func(f *os.File) error) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := fill(f); err != nil {
		_ = f.Close()
		return true, err
	}
	return true, f.Close()
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
// - 仅按首个 '=' 分割；成对的单/双引号被去除，双引号内处理 \n \t \" \\；
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}
