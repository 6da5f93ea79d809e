package checklist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"policyeval/pkg/contract"
)

// Options 为清单评估 PromptBuilder 的最小配置。
// - InlineSystemTemplate / SystemTemplatePath: system 提示模板（二选一，均为空时使用内置默认模板）。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	// Industry: 可选行业背景（如 "Healthcare"），渲染进 system 模板。
	Industry string `json:"industry"`
}

// Builder: 以 Job 构造 ChatPrompt（system+user+json_schema）。
// 运行期不做 I/O；模板在构造期解析并渲染（system 与 Job 无关）。
type Builder struct {
	sys string
}

type systemData struct {
	Industry string
}

// New 创建清单评估 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultSystemTemplate
	if o.InlineSystemTemplate != "" {
		src = o.InlineSystemTemplate
	} else if o.SystemTemplatePath != "" {
		b, err := os.ReadFile(o.SystemTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("system template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("system").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, systemData{Industry: strings.TrimSpace(o.Industry)}); err != nil {
		return nil, fmt.Errorf("system render: %w", err)
	}
	return &Builder{sys: buf.String()}, nil
}

// Build: 基于 Job 构造 ChatPrompt。相同 Job 得到逐字节相同的 Prompt。
func (b *Builder) Build(ctx context.Context, job contract.Job) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(job.Section.Requirements) == 0 {
		return nil, fmt.Errorf("prompt: %w: section %q has no requirements", contract.ErrInvalidSection, job.Section.ID)
	}
	if strings.TrimSpace(job.Block.Text) == "" {
		return nil, fmt.Errorf("prompt: %w: empty block text", contract.ErrInvalidInput)
	}

	var uw bytes.Buffer
	uw.Grow(1024 + len(job.Block.Text))
	uw.WriteString("### Checklist: ")
	uw.WriteString(job.Section.Title)
	uw.WriteString("\n\n<checklist>\n")
	writeRequirements(&uw, job.Section.Requirements)
	uw.WriteString("</checklist>\n\n")
	uw.WriteString("### Policy Block\n\n<block index=\"")
	uw.WriteString(strconv.Itoa(job.Block.Index))
	uw.WriteString("\">\n")
	uw.WriteString(job.Block.Text)
	uw.WriteString("\n</block>\n")
	uw.WriteString(fixedRules)

	return contract.ChatPrompt([]contract.Message{
		{Role: "system", Content: b.sys},
		{Role: "user", Content: uw.String()},
		{Role: "json_schema", Content: evaluationJSONSchema},
	}), nil
}

// EstimateOverheadTokens: 估算与 Job 无关的固定提示词开销（system+固定规则+schema）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	fixed := "### Checklist: \n\n<checklist>\n</checklist>\n\n### Policy Block\n\n<block index=\"\">\n\n</block>\n" + fixedRules
	return estimate(b.sys) + estimate(fixed) + estimate(evaluationJSONSchema)
}

// Text 将 Prompt 展平为单一载荷字符串（system 与 user 以空行相接；json_schema 伪消息不计入）。
func Text(p contract.Prompt) string {
	switch v := p.(type) {
	case contract.TextPrompt:
		return string(v)
	case string:
		return v
	case contract.ChatPrompt:
		var parts []string
		for _, m := range v {
			if m.Role == "json_schema" || m.Content == "" {
				continue
			}
			parts = append(parts, m.Content)
		}
		return strings.Join(parts, "\n\n")
	default:
		return ""
	}
}

// writeRequirements: 逐条输出 "{id}. {text}"，不截断。
func writeRequirements(w *bytes.Buffer, reqs []contract.Requirement) {
	for _, r := range reqs {
		w.WriteString(string(r.ID))
		w.WriteString(". ")
		w.WriteString(r.Text)
		w.WriteByte('\n')
	}
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

const fixedRules = `
STATUS TAXONOMY (use exactly one per checklist item):
- "Explicitly Mentioned": the block clearly and directly satisfies the item.
- "Partially Mentioned": the block touches the item but is vague or incomplete.
- "Missing": the block does not address the item.

IMPORTANT OUTPUT RULES:
1) Evaluate the block against EVERY checklist item listed above, one entry per item.
2) "Checklist Item" MUST start with the item id exactly as listed, followed by ". " and the item text.
3) "Compliance Score" is the proportion of checklist items marked "Explicitly Mentioned" (a number from 0 to 1).
4) Return ONLY strict JSON (no markdown, no code fences, no commentary) with exactly this shape:
{"Match Level": string, "Compliance Score": number, "Checklist Evaluation": [{"Checklist Item": string, "Status": string, "Justification": string}], "Suggested Rewrite": string, "Simplified Legal Meaning": string}
`

// 默认 system 模板。
const defaultSystemTemplate = `## Role Definition
You are a data protection compliance analyst. You compare one block of an organisation's privacy policy against a legal checklist and judge, item by item, whether the block satisfies it.
{{- if .Industry}}

## Industry Context
The organisation operates in the {{.Industry}} sector. Take sector practices into account when judging partial mentions.
{{- end}}

## Judging Rules
- Judge only the text inside <block>. Do not assume content from other parts of the policy.
- Justifications are one or two sentences quoting or paraphrasing the block.
- "Suggested Rewrite" is a revised version of the block that would satisfy the missing or partial items.
- "Simplified Legal Meaning" explains in plain language what the checklist section requires.
- "Match Level" is a short label such as "High", "Medium" or "Low".
`

// 评估响应的 JSON Schema（用于 Gemini/OpenAI JSON 模式）。
const evaluationJSONSchema = `{"type":"object","additionalProperties":false,"properties":{"Match Level":{"type":"string"},"Compliance Score":{"type":"number"},"Checklist Evaluation":{"type":"array","items":{"type":"object","additionalProperties":false,"properties":{"Checklist Item":{"type":"string"},"Status":{"type":"string","enum":["Explicitly Mentioned","Partially Mentioned","Missing"]},"Justification":{"type":"string"}},"required":["Checklist Item","Status","Justification"]}},"Suggested Rewrite":{"type":"string"},"Simplified Legal Meaning":{"type":"string"}},"required":["Match Level","Compliance Score","Checklist Evaluation","Suggested Rewrite","Simplified Legal Meaning"]}`
