package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"policyeval/pkg/contract"
)

// Version 在构建期经 -ldflags 注入。
var Version = "dev"

// 退出码。
const (
	exitOK        = 0
	exitRun       = 1
	exitConfig    = 3
	exitCancelled = 130
)

// exitError 携带退出码；Err 为 nil 时表示静默退出。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func configErr(format string, a ...any) error {
	return &exitError{code: exitConfig, err: fmt.Errorf(format, a...)}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行根命令并把错误映射为退出码：0 成功，1 运行失败，3 配置/装配失败，130 取消。
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, "错误:", ee.err)
		}
		return ee.code
	}
	if errors.Is(err, contract.ErrCancelled) || errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	// cobra 自身的参数/旗标错误
	fmt.Fprintln(stderr, "错误:", err)
	return exitConfig
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var flags globalFlags
	cmd := &cobra.Command{
		Use:   "policyeval",
		Short: "Evaluate a policy document against a legal compliance checklist",
		Long: `policyeval splits a policy document into heading-delimited blocks, asks an
evaluator model to judge each block against every requirement of the selected
checklist sections, and aggregates the verdicts into scored section reports.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	flags.register(cmd)

	cmd.AddCommand(newAnalyzeCommand(&flags))
	cmd.AddCommand(newSectionsCommand(&flags))
	cmd.AddCommand(newServeCommand(&flags))
	cmd.AddCommand(newHistoryCommand(&flags))
	cmd.AddCommand(newInitConfigCommand())
	return cmd
}
