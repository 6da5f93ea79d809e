package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/internal/diag"
	"policyeval/internal/evaluator"
	"policyeval/pkg/contract"
	"policyeval/plugins/decoder/evaljson"
	"policyeval/plugins/llmclient/mock"
	promptcl "policyeval/plugins/prompt/checklist"
	"policyeval/plugins/splitter/heading"
)

// stubRegistry 为内存注册表。
type stubRegistry struct {
	order []contract.SectionID
	m     map[contract.SectionID]contract.Section
}

func (r *stubRegistry) Section(id contract.SectionID) (contract.Section, error) {
	s, ok := r.m[id]
	if !ok {
		return contract.Section{}, contract.ErrSectionNotFound
	}
	return s, nil
}

func (r *stubRegistry) IDs() []contract.SectionID { return r.order }

func newRegistry() *stubRegistry {
	return &stubRegistry{
		order: []contract.SectionID{"s1", "s2"},
		m: map[contract.SectionID]contract.Section{
			"s1":    {ID: "s1", Title: "One", Requirements: []contract.Requirement{{ID: "A", Text: "alpha"}, {ID: "B", Text: "beta"}}},
			"s2":    {ID: "s2", Title: "Two", Requirements: []contract.Requirement{{ID: "C", Text: "gamma"}}},
			"empty": {ID: "empty", Title: "Empty"},
		},
	}
}

// stubEval 按函数返回评估结果，并记录调用与最大并发。
type stubEval struct {
	fn       func(ctx context.Context, job contract.Job) (contract.BlockEvaluation, error)
	calls    atomic.Int32
	inflight atomic.Int32
	mu       sync.Mutex
	peak     int32
}

func (s *stubEval) Evaluate(ctx context.Context, job contract.Job, _ contract.Prompt) (contract.BlockEvaluation, error) {
	s.calls.Add(1)
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	s.mu.Lock()
	if n > s.peak {
		s.peak = n
	}
	s.mu.Unlock()
	return s.fn(ctx, job)
}

func explicitAll(job contract.Job) contract.BlockEvaluation {
	ev := contract.BlockEvaluation{
		MatchLevel:        "High",
		ComplianceScore:   1,
		SuggestedRewrite:  fmt.Sprintf("rewrite-%d", job.Block.Index),
		SimplifiedMeaning: fmt.Sprintf("meaning-%d", job.Block.Index),
	}
	for _, r := range job.Section.Requirements {
		ev.Items = append(ev.Items, contract.ItemVerdict{Ref: string(r.ID), RequirementID: r.ID, Status: contract.ExplicitlyMentioned, Justification: "ok"})
	}
	return ev
}

const threeBlocks = "Intro\nfirst body line\nScope\nsecond body\nRights\nthird body"

func newAnalyzer(t *testing.T, ev contract.Evaluator, set Settings, logger *diag.Logger) *Analyzer {
	t.Helper()
	seg, err := heading.New(nil)
	require.NoError(t, err)
	pb, err := promptcl.New(nil)
	require.NoError(t, err)
	a, err := New(Components{Registry: newRegistry(), Segmenter: seg, PromptBuilder: pb, Evaluator: ev}, set, logger)
	require.NoError(t, err)
	return a
}

// UT-ANL-01: 无效 Section 在任何评估前失败
func TestAnalyzeSectionInvalid(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		return explicitAll(job), nil
	}}
	a := newAnalyzer(t, ev, Settings{}, nil)

	_, err := a.AnalyzeSection(context.Background(), "nope", threeBlocks)
	assert.ErrorIs(t, err, contract.ErrInvalidSection)
	assert.ErrorIs(t, err, contract.ErrSectionNotFound)

	_, err = a.AnalyzeSection(context.Background(), "empty", threeBlocks)
	assert.ErrorIs(t, err, contract.ErrInvalidSection)

	_, err = a.AnalyzeDocument(context.Background(), "doc", []contract.SectionID{"s1", "nope"}, threeBlocks)
	assert.ErrorIs(t, err, contract.ErrInvalidSection)
	assert.Equal(t, int32(0), ev.calls.Load(), "不应发出任何评估")
}

// UT-ANL-02: 无 Block → 空证据报告
func TestAnalyzeSectionNoBlocks(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		return explicitAll(job), nil
	}}
	a := newAnalyzer(t, ev, Settings{}, nil)
	rep, err := a.AnalyzeSection(context.Background(), "s1", "\n  \n\r\n")
	require.NoError(t, err)
	assert.Empty(t, rep.Evidence)
	assert.NotNil(t, rep.Evidence)
	assert.Equal(t, 0.0, rep.Score)
	assert.Equal(t, contract.NonCompliant, rep.Tier)
	assert.Empty(t, rep.SuggestedRewrite)
	assert.Equal(t, 2, rep.RequirementCount)
	assert.Equal(t, 0, rep.Stats.Blocks)
	assert.Equal(t, int32(0), ev.calls.Load())
}

// UT-ANL-03: 全部失败 → 空证据报告，失败按类型计数
func TestAnalyzeSectionAllFail(t *testing.T) {
	kinds := []contract.ErrorKind{contract.KindTimeout, contract.KindMalformedResponse, contract.KindTimeout}
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		return contract.BlockEvaluation{}, &contract.EvaluatorError{Kind: kinds[job.Block.Index], BlockIndex: job.Block.Index}
	}}
	a := newAnalyzer(t, ev, Settings{Concurrency: 2}, nil)
	rep, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	require.NoError(t, err)
	assert.Empty(t, rep.Evidence)
	assert.Equal(t, contract.NonCompliant, rep.Tier)
	assert.Equal(t, contract.Stats{Blocks: 3, Attempted: 3, Succeeded: 0, Failed: map[contract.ErrorKind]int{
		contract.KindTimeout: 2, contract.KindMalformedResponse: 1,
	}}, rep.Stats)
}

// UT-ANL-04: 部分失败；乱序完成仍按块序汇总；改写取最低 Index 的成功块
func TestAnalyzeSectionOrderAndRepresentative(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		switch job.Block.Index {
		case 0:
			return contract.BlockEvaluation{}, &contract.EvaluatorError{Kind: contract.KindTransportFailure, BlockIndex: 0}
		case 1:
			time.Sleep(60 * time.Millisecond) // 晚于块 2 完成
			out := explicitAll(job)
			out.Items[0].Status = contract.PartiallyMentioned
			out.Items = out.Items[:1]
			out.ComplianceScore = 0
			return out, nil
		default:
			return explicitAll(job), nil
		}
	}}
	a := newAnalyzer(t, ev, Settings{Concurrency: 3}, nil)
	rep, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	require.NoError(t, err)

	require.Len(t, rep.Evidence, 2)
	a0 := rep.Evidence[0]
	assert.Equal(t, contract.RequirementID("A"), a0.RequirementID)
	require.Len(t, a0.Matches, 2)
	assert.Equal(t, 1, a0.Matches[0].BlockIndex)
	assert.Equal(t, 2, a0.Matches[1].BlockIndex)
	assert.Equal(t, "Scope second body", a0.Matches[0].BlockText)

	// A 代表状态 Partial（块 1），B Explicit（块 2）：(1+0.5)/2
	assert.InDelta(t, 0.75, rep.Score, 1e-9)
	assert.Equal(t, contract.PartiallyCompliant, rep.Tier)
	assert.Equal(t, "rewrite-1", rep.SuggestedRewrite)
	assert.Equal(t, "meaning-1", rep.SimplifiedMeaning)
	assert.Equal(t, "High", rep.MatchLevel)
	assert.Equal(t, 3, rep.Stats.Attempted)
	assert.Equal(t, 2, rep.Stats.Succeeded)
	assert.Equal(t, map[contract.ErrorKind]int{contract.KindTransportFailure: 1}, rep.Stats.Failed)
	assert.InDelta(t, 0.5, rep.Stats.SelfReportedScore, 1e-9)
}

// UT-ANL-05: 并发上限
func TestAnalyzeSectionConcurrencyLimit(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		time.Sleep(20 * time.Millisecond)
		return explicitAll(job), nil
	}}
	var b strings.Builder
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&b, "%d. clause body\n", i+1)
	}
	a := newAnalyzer(t, ev, Settings{Concurrency: 3}, nil)
	rep, err := a.AnalyzeSection(context.Background(), "s2", b.String())
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Stats.Blocks)
	assert.Equal(t, 12, rep.Stats.Succeeded)
	assert.LessOrEqual(t, ev.peak, int32(3))
	assert.Equal(t, contract.FullyCompliant, rep.Tier)
}

// UT-ANL-06: 取消 → ErrCancelled，且停止发出新评估
func TestAnalyzeSectionCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ev := &stubEval{fn: func(ctx context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		if job.Block.Index == 0 {
			cancel()
		}
		<-ctx.Done()
		return contract.BlockEvaluation{}, fmt.Errorf("%w: %v", contract.ErrCancelled, ctx.Err())
	}}
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "%d. clause\n", i+1)
	}
	a := newAnalyzer(t, ev, Settings{Concurrency: 1}, nil)
	rep, err := a.AnalyzeSection(ctx, "s1", b.String())
	assert.ErrorIs(t, err, contract.ErrCancelled)
	assert.Equal(t, contract.SectionReport{}, rep, "不产出部分报告")
	assert.Less(t, ev.calls.Load(), int32(20))
}

// UT-ANL-07: 多 Section 文档运行与 Overall
func TestAnalyzeDocument(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		out := explicitAll(job)
		if job.Section.ID == "s1" {
			out.Items = out.Items[:1] // 仅 A：0.5
		}
		return out, nil
	}}
	a := newAnalyzer(t, ev, Settings{Concurrency: 2}, nil)
	sum, err := a.AnalyzeDocument(context.Background(), "policy.txt", nil, threeBlocks)
	require.NoError(t, err)
	require.Len(t, sum.Reports, 2)
	assert.Equal(t, contract.SectionID("s1"), sum.Reports[0].SectionID)
	assert.InDelta(t, 0.5, sum.Reports[0].Score, 1e-9)
	assert.InDelta(t, 1.0, sum.Reports[1].Score, 1e-9)
	assert.InDelta(t, 75.0, sum.Overall, 1e-9)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, "policy.txt", sum.Document)
	assert.Equal(t, int32(6), ev.calls.Load())

	sub, err := a.AnalyzeDocument(context.Background(), "policy.txt", []contract.SectionID{"s2"}, threeBlocks)
	require.NoError(t, err)
	require.Len(t, sub.Reports, 1)
	assert.NotEqual(t, sum.RunID, sub.RunID)
}

// UT-ANL-08: 自报分数背离时记录告警
func TestAnalyzeSectionDivergenceWarning(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		out := explicitAll(job)
		for i := range out.Items {
			out.Items[i].Status = contract.Missing
		}
		out.ComplianceScore = 0.9 // 自报与判定不一致
		return out, nil
	}}
	var logs strings.Builder
	a := newAnalyzer(t, ev, Settings{}, diag.NewLoggerTo(&logs, "t", "info"))
	rep, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rep.Score)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "self-reported score diverges")
}

// UT-ANL-11: 各块覆盖不同需求且自报准确时不告警，即使文档级得分高于自报均值
func TestAnalyzeSectionDisjointBlocksNoWarning(t *testing.T) {
	ev := &stubEval{fn: func(_ context.Context, job contract.Job) (contract.BlockEvaluation, error) {
		out := explicitAll(job)
		for i := range out.Items {
			if i != job.Block.Index {
				out.Items[i].Status = contract.Missing
			}
		}
		out.ComplianceScore = 0.5
		if job.Block.Index > 1 {
			out.ComplianceScore = 0
		}
		return out, nil
	}}
	var logs strings.Builder
	a := newAnalyzer(t, ev, Settings{}, diag.NewLoggerTo(&logs, "t", "info"))
	rep, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rep.Score)
	assert.Less(t, rep.Stats.SelfReportedScore, 0.5)
	assert.NotContains(t, logs.String(), "self-reported score diverges")
}

// UT-ANL-09: 非 EvaluatorError 的构造错误整体失败
func TestAnalyzeSectionFatalError(t *testing.T) {
	boom := errors.New("boom")
	ev := &stubEval{fn: func(_ context.Context, _ contract.Job) (contract.BlockEvaluation, error) {
		return contract.BlockEvaluation{}, boom
	}}
	a := newAnalyzer(t, ev, Settings{}, nil)
	_, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	assert.ErrorIs(t, err, boom)

	_, err = New(Components{}, Settings{}, nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-ANL-10: 真实评估适配器 + mock 客户端端到端
func TestAnalyzeSectionWithMockClient(t *testing.T) {
	llm, err := mock.New([]byte(`{"response_mode":"explicit","fenced":true}`))
	require.NoError(t, err)
	dec, err := evaljson.New(nil)
	require.NoError(t, err)
	ev, err := evaluator.New(llm, dec, evaluator.Options{Timeout: time.Second}, nil)
	require.NoError(t, err)
	a := newAnalyzer(t, ev, Settings{Concurrency: 2}, nil)
	rep, err := a.AnalyzeSection(context.Background(), "s1", threeBlocks)
	require.NoError(t, err)
	assert.Equal(t, contract.FullyCompliant, rep.Tier)
	require.Len(t, rep.Evidence, 2)
	assert.Len(t, rep.Evidence[0].Matches, 3)
	assert.Equal(t, 0, rep.Evidence[0].Matches[0].BlockIndex)
}
