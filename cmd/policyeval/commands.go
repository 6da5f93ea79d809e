package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"policyeval/internal/checklist"
	cfgpkg "policyeval/internal/config"
	"policyeval/internal/diag"
	"policyeval/internal/server"
	"policyeval/pkg/contract"
	"policyeval/pkg/registry"
)

// newSectionsCommand 列出清单目录；不需要 LLM 配置。
func newSectionsCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List checklist sections and their requirements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flags.checklist
			if path == "" {
				path = os.Getenv(cfgpkg.EnvPrefix + "CHECKLIST_PATH")
			}
			reg, err := checklist.LoadFile(path)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Sections())
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "SECTION\tTITLE\tREQUIREMENTS\n")
			for _, sec := range reg.Sections() {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", sec.ID, sec.Title, len(sec.Requirements))
			}
			fmt.Fprintf(tw, "\nchecklist digest: %s\n", reg.Digest())
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "以 JSON 输出完整清单")
	return cmd
}

func newServeCommand(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analysis API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(nil)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := diag.NewLogger(diag.NewCorrID(), cfg.Logging.Level)
			defer logger.Close()
			debugConfig(logger, cfg)

			app, err := cfgpkg.Assemble(cfg, logger)
			if err != nil {
				return &exitError{code: exitConfig, err: fmt.Errorf("装配失败: %w", err)}
			}
			defer app.Close()

			rends := make(map[string]contract.Renderer, len(registry.Renderer))
			for name, mk := range registry.Renderer {
				r, err := mk(cfg.Options.Renderers[name])
				if err != nil {
					return &exitError{code: exitConfig, err: fmt.Errorf("renderer %s: %w", name, err)}
				}
				rends[name] = r
			}
			srv, err := server.New(app.Analyzer, app.Registry, server.Options{
				Store:        app.Store,
				Renderers:    rends,
				Sections:     app.Sections,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
			}, logger)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			hs := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
			errc := make(chan error, 1)
			go func() { errc <- hs.ListenAndServe() }()
			fmt.Fprintf(cmd.ErrOrStderr(), "[serve] listening on %s\n", cfg.Server.Addr)

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return &exitError{code: exitRun, err: err}
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = hs.Shutdown(sctx)
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "监听地址（覆盖配置 server.addr）")
	return cmd
}

// newHistoryCommand 列出历史库中最近的运行。
func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs recorded in the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(nil)
			if err != nil {
				return err
			}
			if cfg.Output.StorePath == "" {
				return configErr("output.store_path not set")
			}
			name := cfg.Components.Store
			if name == "" {
				name = cfgpkg.Defaults().Components.Store
			}
			raw, _ := json.Marshal(map[string]string{"path": cfg.Output.StorePath})
			st, err := registry.Store[name](raw)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			defer st.Close()
			recs, err := st.Recent(cmd.Context(), limit)
			if err != nil {
				return &exitError{code: exitRun, err: err}
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "RUN\tDOCUMENT\tSECTIONS\tOVERALL\tCREATED\n")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f%%\t%s\n", r.RunID, r.Document, r.Sections, r.Overall, r.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "最多列出的运行数")
	return cmd
}
