// Package html 将 Markdown 报告转换为独立的 HTML 页面。
package html

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdhtml "html"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"policyeval/pkg/contract"
	"policyeval/plugins/render/markdown"
)

// Options: Markdown 选项原样透传；Fragment 为 true 时只输出 <body> 内容。
type Options struct {
	markdown.Options
	Fragment bool `json:"fragment,omitempty"`
}

// Renderer 为 HTML 渲染器。
type Renderer struct {
	md       *markdown.Renderer
	conv     goldmark.Markdown
	title    string
	fragment bool
}

// New 从原样 JSON Options 创建渲染器。
func New(raw json.RawMessage) (*Renderer, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("html options: %w", err)
		}
	}
	mdRaw, err := json.Marshal(opts.Options)
	if err != nil {
		return nil, err
	}
	md, err := markdown.New(mdRaw)
	if err != nil {
		return nil, err
	}
	title := opts.Title
	if title == "" {
		title = "Compliance Report"
	}
	return &Renderer{
		md:       md,
		conv:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		title:    title,
		fragment: opts.Fragment,
	}, nil
}

var _ contract.Renderer = (*Renderer)(nil)

func (r *Renderer) Ext() string { return "html" }

// Render 先渲染 Markdown，再经 goldmark（GFM 表格）转换。
func (r *Renderer) Render(ctx context.Context, s contract.Summary) (io.Reader, error) {
	src, err := r.md.Render(ctx, s)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := r.conv.Convert(data, &body); err != nil {
		return nil, fmt.Errorf("html: convert: %w", err)
	}
	if r.fragment {
		return &body, nil
	}
	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&out, "<title>%s</title>\n", stdhtml.EscapeString(r.title))
	out.WriteString("<style>table{border-collapse:collapse}th,td{border:1px solid #ccc;padding:4px 8px}</style>\n")
	out.WriteString("</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return &out, nil
}
