package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "policyeval/internal/config"
	"policyeval/internal/diag"
	"policyeval/pkg/contract"
)

func newAnalyzeCommand(flags *globalFlags) *cobra.Command {
	var (
		printJSON bool
		noWrite   bool
	)
	cmd := &cobra.Command{
		Use:   "analyze [paths...|-]",
		Short: "Analyze documents (files, directories or - for stdin) and export reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.resolve(args)
			if err != nil {
				return err
			}
			if err := cfgpkg.ValidateInputs(cfg); err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			return runAnalyze(cmd.Context(), cfg, flags.status, analyzeOutput{stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr(), json: printJSON, noWrite: noWrite})
		},
	}
	cmd.Flags().BoolVar(&printJSON, "json", false, "将每个文档的 Summary 以 JSON 行输出到 stdout")
	cmd.Flags().BoolVar(&noWrite, "no-write", false, "不写出报告文件（仍记录历史）")
	return cmd
}

type analyzeOutput struct {
	stdout  io.Writer
	stderr  io.Writer
	json    bool
	noWrite bool
}

func runAnalyze(parent context.Context, cfg cfgpkg.Config, status bool, out analyzeOutput) error {
	start := time.Now()
	logger := diag.NewLogger(diag.NewCorrID(), cfg.Logging.Level)
	defer logger.Close()
	debugConfig(logger, cfg)

	app, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return &exitError{code: exitConfig, err: fmt.Errorf("装配失败: %w", err)}
	}
	defer app.Close()

	term := diag.NewTerminal(out.stderr, status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	single := len(cfg.Inputs) == 1
	docs := 0
	t := logger.Start("cli", "analyze")
	err = app.Reader.Iterate(ctx, cfg.Inputs, func(id contract.DocumentID, rc io.ReadCloser) error {
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		sum, err := app.Analyzer.AnalyzeDocument(ctx, string(id), app.Sections, string(data))
		if err != nil {
			return err
		}
		docs++
		if app.Store != nil {
			if err := app.Store.Save(ctx, sum); err != nil {
				logger.Warn("store", "save run failed: "+err.Error(), "", map[string]string{"run_id": sum.RunID})
				term.Warn("历史记录保存失败: " + err.Error())
			}
		}
		if out.json {
			b, err := json.Marshal(sum)
			if err != nil {
				return err
			}
			fmt.Fprintln(out.stdout, string(b))
		}
		if out.noWrite {
			return nil
		}
		base := artifactBase(id, app.Output.Name, single)
		for _, r := range app.Renderers {
			rd, err := r.Render(ctx, sum)
			if err != nil {
				return fmt.Errorf("render %s: %w", r.Ext(), err)
			}
			aid := contract.ArtifactID(base + ".report." + r.Ext())
			if err := app.Writer.Write(ctx, aid, rd); err != nil {
				return fmt.Errorf("write %s: %w", aid, err)
			}
		}
		return nil
	})
	if err != nil {
		code := diag.Classify(err)
		logger.Error("cli", string(code), "first error", &start)
		diag.IncOp("cli", "analyze", "error")
		if code != diag.CodeUnknown {
			diag.IncError("cli", string(code))
		}
		if errors.Is(err, contract.ErrCancelled) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return &exitError{code: exitCancelled}
		}
		return &exitError{code: exitRun, err: fmt.Errorf("运行失败: %w", err)}
	}
	t.Finish("analyze", int64(docs))
	diag.IncOp("cli", "analyze", "success")
	return nil
}

// artifactBase 计算产物基名：单输入且配置了 output.name 时使用之；否则取文档名去扩展名。
func artifactBase(id contract.DocumentID, name string, single bool) string {
	if single && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if id == "-" {
		return "stdin"
	}
	s := string(id)
	s = strings.TrimSuffix(s, path.Ext(s))
	s = strings.TrimPrefix(s, "./")
	if s == "" {
		return "document"
	}
	return s
}
