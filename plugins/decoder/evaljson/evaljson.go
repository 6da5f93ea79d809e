package evaljson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"policyeval/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// SkipInvalidItems: 为 true 时丢弃缺字段或状态非法的单条判定，而不是判整个响应无效。
	SkipInvalidItems bool `json:"skip_invalid_items"`
}

// 响应字段名（与请求中声明的形状一致）。
const (
	fieldMatchLevel = "Match Level"
	fieldScore      = "Compliance Score"
	fieldItems      = "Checklist Evaluation"
	fieldRewrite    = "Suggested Rewrite"
	fieldMeaning    = "Simplified Legal Meaning"

	fieldItem          = "Checklist Item"
	fieldStatus        = "Status"
	fieldJustification = "Justification"
)

type decoder struct {
	skipInvalid bool
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("evaljson options: %w", err)
		}
	}
	return &decoder{skipInvalid: opts.SkipInvalidItems}, nil
}

// Decode 期望 Raw.Text 含单个 JSON 对象（允许外层代码围栏或前后说明文字）。
// 五个顶层字段缺一即判为 ErrResponseInvalid。
func (d *decoder) Decode(ctx context.Context, sec contract.Section, raw contract.Raw) (contract.BlockEvaluation, error) {
	select {
	case <-ctx.Done():
		return contract.BlockEvaluation{}, ctx.Err()
	default:
	}
	body, ok := extractObject(raw.Text)
	if !ok {
		return contract.BlockEvaluation{}, fmt.Errorf("no json object in response: %w", contract.ErrResponseInvalid)
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return contract.BlockEvaluation{}, fmt.Errorf("decode evaluation: %w", contract.ErrResponseInvalid)
	}
	for _, k := range []string{fieldMatchLevel, fieldScore, fieldItems, fieldRewrite, fieldMeaning} {
		if _, ok := top[k]; !ok {
			return contract.BlockEvaluation{}, fmt.Errorf("missing field %q: %w", k, contract.ErrResponseInvalid)
		}
	}

	var ev contract.BlockEvaluation
	var err error
	if ev.MatchLevel, err = decodeString(top[fieldMatchLevel], fieldMatchLevel); err != nil {
		return contract.BlockEvaluation{}, err
	}
	if ev.SuggestedRewrite, err = decodeString(top[fieldRewrite], fieldRewrite); err != nil {
		return contract.BlockEvaluation{}, err
	}
	if ev.SimplifiedMeaning, err = decodeString(top[fieldMeaning], fieldMeaning); err != nil {
		return contract.BlockEvaluation{}, err
	}
	if ev.ComplianceScore, err = decodeScore(top[fieldScore]); err != nil {
		return contract.BlockEvaluation{}, err
	}

	var items []map[string]json.RawMessage
	if isNull(top[fieldItems]) {
		return contract.BlockEvaluation{}, fmt.Errorf("field %q is null: %w", fieldItems, contract.ErrResponseInvalid)
	}
	if err := json.Unmarshal(top[fieldItems], &items); err != nil {
		return contract.BlockEvaluation{}, fmt.Errorf("field %q must be an array of objects: %w", fieldItems, contract.ErrResponseInvalid)
	}
	ev.Items = make([]contract.ItemVerdict, 0, len(items))
	for i, it := range items {
		if it == nil {
			if d.skipInvalid {
				continue
			}
			return contract.BlockEvaluation{}, fmt.Errorf("item %d is null: %w", i, contract.ErrResponseInvalid)
		}
		v, err := decodeItem(it)
		if err != nil {
			if d.skipInvalid {
				continue
			}
			return contract.BlockEvaluation{}, fmt.Errorf("item %d: %w", i, err)
		}
		ev.Items = append(ev.Items, v)
	}
	return ev, nil
}

var _ contract.Decoder = (*decoder)(nil)

func decodeItem(it map[string]json.RawMessage) (contract.ItemVerdict, error) {
	for _, k := range []string{fieldItem, fieldStatus, fieldJustification} {
		if _, ok := it[k]; !ok {
			return contract.ItemVerdict{}, fmt.Errorf("missing field %q: %w", k, contract.ErrResponseInvalid)
		}
	}
	ref, err := decodeString(it[fieldItem], fieldItem)
	if err != nil {
		return contract.ItemVerdict{}, err
	}
	rawStatus, err := decodeString(it[fieldStatus], fieldStatus)
	if err != nil {
		return contract.ItemVerdict{}, err
	}
	st, ok := NormalizeStatus(rawStatus)
	if !ok {
		return contract.ItemVerdict{}, fmt.Errorf("unknown status %q: %w", rawStatus, contract.ErrResponseInvalid)
	}
	just, err := decodeString(it[fieldJustification], fieldJustification)
	if err != nil {
		return contract.ItemVerdict{}, err
	}
	return contract.ItemVerdict{
		Ref:           ref,
		RequirementID: contract.NormalizeRequirementRef(ref),
		Status:        st,
		Justification: just,
	}, nil
}

// NormalizeStatus 将评估器返回的状态文本归一为三值之一（忽略大小写、空格、下划线与连字符）。
func NormalizeStatus(s string) (contract.Status, bool) {
	k := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '-', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "explicitlymentioned":
		return contract.ExplicitlyMentioned, true
	case "partiallymentioned":
		return contract.PartiallyMentioned, true
	case "missing":
		return contract.Missing, true
	}
	return "", false
}

// isNull 报告原始值是否为 JSON null（Unmarshal 对 null 不报错，须单独拒绝）。
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeString(raw json.RawMessage, field string) (string, error) {
	if isNull(raw) {
		return "", fmt.Errorf("field %q is null: %w", field, contract.ErrResponseInvalid)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string: %w", field, contract.ErrResponseInvalid)
	}
	return strings.TrimSpace(s), nil
}

// decodeScore 接受数字或数字字符串（可带 "%" 后缀，按百分比换算）。
func decodeScore(raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("field %q is null: %w", fieldScore, contract.ErrResponseInvalid)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("field %q must be a number: %w", fieldScore, contract.ErrResponseInvalid)
	}
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %q not numeric (%q): %w", fieldScore, s, contract.ErrResponseInvalid)
	}
	if pct {
		f /= 100
	}
	return f, nil
}

// extractObject 去除代码围栏与前后说明文字，返回首个完整 JSON 对象。
func extractObject(text string) ([]byte, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	var obj json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}
