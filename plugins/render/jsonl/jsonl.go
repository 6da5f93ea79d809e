// Package jsonl 输出证据旁路文件：每条命中一行 JSON。
package jsonl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"policyeval/pkg/contract"
)

// Row 为单行结构。
type Row struct {
	RunID           string                 `json:"run_id,omitempty"`
	Document        string                 `json:"document,omitempty"`
	SectionID       contract.SectionID     `json:"section_id"`
	RequirementID   contract.RequirementID `json:"requirement_id"`
	RequirementText string                 `json:"requirement_text"`
	BlockIndex      int                    `json:"block_index"`
	BlockText       string                 `json:"block_text"`
	Status          contract.Status        `json:"status"`
	Justification   string                 `json:"justification"`
	// Representative 标记该行是否为该要求的代表判定（最早 Block）。
	Representative bool `json:"representative"`
}

// Options: SkipMissing 为 true 时丢弃 Missing 状态的行。
type Options struct {
	SkipMissing bool `json:"skip_missing,omitempty"`
}

// Renderer 为 JSONL 渲染器。
type Renderer struct {
	skipMissing bool
}

// New 从原样 JSON Options 创建渲染器。
func New(raw json.RawMessage) (*Renderer, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("jsonl options: %w", err)
		}
	}
	return &Renderer{skipMissing: opts.SkipMissing}, nil
}

var _ contract.Renderer = (*Renderer)(nil)

func (r *Renderer) Ext() string { return "jsonl" }

// Render 按 Section → 要求 → 命中的顺序输出。
func (r *Renderer) Render(ctx context.Context, s contract.Summary) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	for _, rep := range s.Reports {
		for _, ev := range rep.Evidence {
			for i, m := range ev.Matches {
				if r.skipMissing && m.Status == contract.Missing {
					continue
				}
				row := Row{
					RunID:           s.RunID,
					Document:        s.Document,
					SectionID:       rep.SectionID,
					RequirementID:   ev.RequirementID,
					RequirementText: ev.RequirementText,
					BlockIndex:      m.BlockIndex,
					BlockText:       m.BlockText,
					Status:          m.Status,
					Justification:   m.Justification,
					Representative:  i == 0,
				}
				if err := enc.Encode(row); err != nil {
					return nil, err
				}
			}
		}
	}
	return &b, nil
}
