// Package markdown 将一次文档运行的 Summary 渲染为 Markdown 报告。
package markdown

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"policyeval/pkg/contract"
)

// Options: 报告外观选项。
type Options struct {
	// Title: 一级标题；为空时使用 "Compliance Report"。
	Title string `json:"title,omitempty"`
	// OmitRewrite: 为 true 时不输出 Suggested Rewrite 段落。
	OmitRewrite bool `json:"omit_rewrite,omitempty"`
	// OmitStats: 为 true 时不输出每个 Section 的评估计数。
	OmitStats bool `json:"omit_stats,omitempty"`
}

// Renderer 为 Markdown 渲染器。
type Renderer struct {
	opts Options
}

// New 从原样 JSON Options 创建渲染器。
func New(raw json.RawMessage) (*Renderer, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("markdown options: %w", err)
		}
	}
	if strings.TrimSpace(opts.Title) == "" {
		opts.Title = "Compliance Report"
	}
	return &Renderer{opts: opts}, nil
}

var _ contract.Renderer = (*Renderer)(nil)

func (r *Renderer) Ext() string { return "md" }

// Render 输出：总体合规度、按 Section 的汇总表、每个 Section 的清单命中与改写建议。
func (r *Renderer) Render(ctx context.Context, s contract.Summary) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n\n", r.opts.Title)
	if s.Document != "" {
		fmt.Fprintf(&b, "- **Document:** %s\n", inline(s.Document))
	}
	if s.RunID != "" {
		fmt.Fprintf(&b, "- **Run:** %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "- **Overall Compliance:** %.2f%%\n\n", s.Overall)

	if len(s.Reports) == 0 {
		b.WriteString("_No sections analysed._\n")
		return &b, nil
	}

	b.WriteString("| Section | Meaning | Match Level | Tier | Score |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, rep := range s.Reports {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %.2f |\n",
			cell(sectionLabel(rep)), cell(rep.SimplifiedMeaning), cell(rep.MatchLevel), cell(string(rep.Tier)), rep.Score)
	}

	for _, rep := range s.Reports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.section(&b, rep)
	}
	return &b, nil
}

func (r *Renderer) section(b *bytes.Buffer, rep contract.SectionReport) {
	fmt.Fprintf(b, "\n## %s: Full Checklist & Suggestions\n\n", inline(sectionLabel(rep)))
	fmt.Fprintf(b, "**Match Level:** %s | **Score:** %.2f | **Tier:** %s\n\n", orDash(rep.MatchLevel), rep.Score, rep.Tier)

	matched := Matched(rep.Evidence)
	b.WriteString("### Matched Checklist Items\n\n")
	if len(matched) == 0 {
		b.WriteString("_None._\n\n")
	} else {
		for _, ev := range matched {
			fmt.Fprintf(b, "- ✅ %s. %s (%s)\n", ev.RequirementID, inline(ev.RequirementText), ev.Representative())
		}
		b.WriteString("\n")
	}

	b.WriteString("### Matched Sentences & Justifications\n\n")
	n := 0
	for _, ev := range matched {
		for _, m := range ev.Matches {
			if m.Status == contract.Missing {
				continue
			}
			n++
			fmt.Fprintf(b, "- **Sentence:** %s\n", inline(m.BlockText))
			fmt.Fprintf(b, "  - **Checklist Item:** %s. %s\n", ev.RequirementID, inline(ev.RequirementText))
			fmt.Fprintf(b, "  - **Status:** %s\n", m.Status)
			fmt.Fprintf(b, "  - **Justification:** %s\n", orDash(inline(m.Justification)))
		}
	}
	if n == 0 {
		b.WriteString("_None._\n")
	}
	b.WriteString("\n")

	if !r.opts.OmitRewrite {
		b.WriteString("### Suggested Rewrite\n\n")
		if strings.TrimSpace(rep.SuggestedRewrite) == "" {
			b.WriteString("_None._\n\n")
		} else {
			for _, line := range strings.Split(strings.TrimSpace(rep.SuggestedRewrite), "\n") {
				fmt.Fprintf(b, "> %s\n", line)
			}
			b.WriteString("\n")
		}
	}
	if !r.opts.OmitStats {
		fmt.Fprintf(b, "_Blocks %d | Attempted %d | Succeeded %d%s_\n", rep.Stats.Blocks, rep.Stats.Attempted, rep.Stats.Succeeded, failed(rep.Stats.Failed))
	}
}

// Matched 返回代表状态不为 Missing 的证据（保持原顺序）。
func Matched(evidence []contract.RequirementEvidence) []contract.RequirementEvidence {
	out := make([]contract.RequirementEvidence, 0, len(evidence))
	for _, ev := range evidence {
		if ev.Representative() != contract.Missing {
			out = append(out, ev)
		}
	}
	return out
}

func sectionLabel(rep contract.SectionReport) string {
	if rep.Title == "" {
		return string(rep.SectionID)
	}
	return string(rep.SectionID) + " (" + rep.Title + ")"
}

func failed(m map[contract.ErrorKind]int) string {
	if len(m) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[contract.ErrorKind(k)]))
	}
	return " | Failed " + strings.Join(parts, ", ")
}

// inline 将多行文本压为单行。
func inline(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cell 额外转义表格分隔符。
func cell(s string) string {
	s = inline(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
