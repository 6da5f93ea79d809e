// Package csv 将 Summary 扁平化为每个 Section 一行的表格。
package csv

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"unicode/utf8"

	"policyeval/pkg/contract"
)

// Header 为固定列顺序。
var Header = []string{"section", "title", "meaning", "match_level", "score", "tier", "matched", "requirements", "attempted", "succeeded"}

// Options: 分隔符（单个字符，默认 ','）与是否输出表头。
type Options struct {
	Delimiter string `json:"delimiter,omitempty"`
	NoHeader  bool   `json:"no_header,omitempty"`
}

// Renderer 为 CSV 渲染器。
type Renderer struct {
	comma    rune
	noHeader bool
}

// New 从原样 JSON Options 创建渲染器。
func New(raw json.RawMessage) (*Renderer, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("csv options: %w", err)
		}
	}
	r := &Renderer{comma: ',', noHeader: opts.NoHeader}
	if opts.Delimiter != "" {
		c, n := utf8.DecodeRuneInString(opts.Delimiter)
		if n != len(opts.Delimiter) || c == '"' || c == '\r' || c == '\n' {
			return nil, fmt.Errorf("%w: csv: delimiter must be a single rune", contract.ErrInvalidInput)
		}
		r.comma = c
	}
	return r, nil
}

var _ contract.Renderer = (*Renderer)(nil)

func (r *Renderer) Ext() string { return "csv" }

// Render 按 Summary.Reports 顺序逐行输出。
func (r *Renderer) Render(ctx context.Context, s contract.Summary) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	w.Comma = r.comma
	if !r.noHeader {
		if err := w.Write(Header); err != nil {
			return nil, err
		}
	}
	for _, rep := range s.Reports {
		matched := 0
		for _, ev := range rep.Evidence {
			if ev.Representative() != contract.Missing {
				matched++
			}
		}
		row := []string{
			string(rep.SectionID),
			rep.Title,
			rep.SimplifiedMeaning,
			rep.MatchLevel,
			strconv.FormatFloat(rep.Score, 'f', 2, 64),
			string(rep.Tier),
			strconv.Itoa(matched),
			strconv.Itoa(rep.RequirementCount),
			strconv.Itoa(rep.Stats.Attempted),
			strconv.Itoa(rep.Stats.Succeeded),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &b, nil
}
