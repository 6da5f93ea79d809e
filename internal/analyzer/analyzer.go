// Package analyzer 编排单个 Section（或整篇文档）的分析：
// 分段 → 逐块构造请求 → 有界并发评估 → 按块序汇总证据 → 独立评分。
// 并发只在此层管理；其余组件均为同步实现。
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"policyeval/internal/diag"
	"policyeval/internal/evidence"
	"policyeval/internal/score"
	"policyeval/pkg/contract"
)

// Registry: 只读清单注册表（见 internal/checklist）。
type Registry interface {
	Section(id contract.SectionID) (contract.Section, error)
	IDs() []contract.SectionID
}

// Components 聚合分析所需的组件。
type Components struct {
	Registry      Registry
	Segmenter     contract.Segmenter
	PromptBuilder contract.PromptBuilder
	Evaluator     contract.Evaluator
}

// Settings 运行期设置。
type Settings struct {
	// Concurrency: 单个 Section 内同时在途的评估数（<1 视为 1）。
	Concurrency int
	// DivergenceThreshold: 单块自报分数与该块独立分数之差超过该值时记录告警；<=0 使用 0.25。
	DivergenceThreshold float64
	// LLM: 仅用于终端提示的客户端名称。
	LLM string
}

// Analyzer 并发安全：不持有跨调用的可变状态。
type Analyzer struct {
	comp   Components
	set    Settings
	logger *diag.Logger
}

func New(comp Components, set Settings, logger *diag.Logger) (*Analyzer, error) {
	if comp.Registry == nil || comp.Segmenter == nil || comp.PromptBuilder == nil || comp.Evaluator == nil {
		return nil, fmt.Errorf("%w: analyzer: missing components", contract.ErrInvalidInput)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.DivergenceThreshold <= 0 {
		set.DivergenceThreshold = 0.25
	}
	if logger == nil {
		logger = diag.Discard()
	}
	return &Analyzer{comp: comp, set: set, logger: logger}, nil
}

// AnalyzeSection 分析单个 Section。
// - 未知 Section 或无要求：在任何评估前返回 ErrInvalidSection；
// - 无 Block 或无成功评估：返回空证据报告（0 分，Non-Compliant）；
// - 调用方取消：返回 ErrCancelled，不产出部分报告。
func (a *Analyzer) AnalyzeSection(ctx context.Context, id contract.SectionID, text string) (contract.SectionReport, error) {
	sec, err := a.resolve(id)
	if err != nil {
		return contract.SectionReport{}, err
	}
	blocks, err := a.segment(ctx, text)
	if err != nil {
		return contract.SectionReport{}, err
	}
	return a.analyze(ctx, sec, blocks)
}

// AnalyzeDocument 依次分析多个 Section（空列表为注册表全部，按配置顺序），共享一次分段。
// 任一 Section 无效时在发出任何评估前整体失败。
// Overall = 各 Section 分数均值 ×100，保留两位小数。
func (a *Analyzer) AnalyzeDocument(ctx context.Context, document string, ids []contract.SectionID, text string) (contract.Summary, error) {
	if len(ids) == 0 {
		ids = a.comp.Registry.IDs()
	}
	secs := make([]contract.Section, 0, len(ids))
	for _, id := range ids {
		sec, err := a.resolve(id)
		if err != nil {
			return contract.Summary{}, err
		}
		secs = append(secs, sec)
	}
	blocks, err := a.segment(ctx, text)
	if err != nil {
		return contract.Summary{}, err
	}

	sum := contract.Summary{RunID: uuid.NewString(), Document: document, Reports: make([]contract.SectionReport, 0, len(secs))}
	t0 := time.Now()
	term := diag.GetTerminal()
	term.RunStart(document, a.set.Concurrency, a.set.LLM)
	var total float64
	for _, sec := range secs {
		rep, err := a.analyze(ctx, sec, blocks)
		if err != nil {
			term.RunFinish(false, 0, time.Since(t0))
			return contract.Summary{}, err
		}
		sum.Reports = append(sum.Reports, rep)
		total += rep.Score
	}
	if len(sum.Reports) > 0 {
		sum.Overall = score.Round2(total / float64(len(sum.Reports)) * 100)
	}
	term.RunFinish(true, sum.Overall, time.Since(t0))
	a.logger.InfoFinish("analyzer", "document", t0, int64(len(sum.Reports)))
	return sum, nil
}

func (a *Analyzer) resolve(id contract.SectionID) (contract.Section, error) {
	sec, err := a.comp.Registry.Section(id)
	if err != nil {
		if !errors.Is(err, contract.ErrInvalidSection) {
			err = fmt.Errorf("%w: %v", contract.ErrInvalidSection, err)
		}
		return contract.Section{}, fmt.Errorf("section %q: %w", id, err)
	}
	if len(sec.Requirements) == 0 {
		return contract.Section{}, fmt.Errorf("section %q: %w: no requirements", id, contract.ErrInvalidSection)
	}
	return sec, nil
}

func (a *Analyzer) segment(ctx context.Context, text string) ([]contract.Block, error) {
	blocks, err := a.comp.Segmenter.Split(ctx, strings.NewReader(text))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", contract.ErrCancelled, err)
		}
		return nil, fmt.Errorf("segment: %w", err)
	}
	return blocks, nil
}

// outcome: 单个 Block 的评估结果槽位（按 Block.Index 定位）。
type outcome struct {
	ok  bool
	ev  contract.BlockEvaluation
	err error
}

func (a *Analyzer) analyze(ctx context.Context, sec contract.Section, blocks []contract.Block) (rep contract.SectionReport, err error) {
	sid := string(sec.ID)
	ctx, span := diag.StartSpan(ctx, "AnalyzeSection", "section_id", sid, "blocks", strconv.Itoa(len(blocks)))
	defer func() { diag.EndSpan(span, err) }()

	timer := a.logger.StartWithKV("analyzer", "section", sid, "", map[string]string{"blocks": strconv.Itoa(len(blocks))})
	term := diag.GetTerminal()
	term.SectionStart(sid, len(blocks))

	slots := make([]outcome, len(blocks))
	var attempted, done, failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.set.Concurrency)
	for i := range blocks {
		if ctx.Err() != nil || gctx.Err() != nil {
			break // 停止发出新评估
		}
		b := blocks[i]
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			job := contract.Job{Section: sec, Block: b}
			p, err := a.comp.PromptBuilder.Build(gctx, job)
			if err != nil {
				return fmt.Errorf("build request (block %d): %w", b.Index, err)
			}
			attempted.Add(1)
			ev, err := a.comp.Evaluator.Evaluate(gctx, job, p)
			if err != nil {
				if _, ok := contract.AsEvaluatorError(err); !ok {
					return err
				}
				slots[i] = outcome{err: err}
				failed.Add(1)
			} else {
				slots[i] = outcome{ok: true, ev: ev}
			}
			term.SectionProgress(int(done.Add(1)), len(blocks), int(failed.Load()))
			return nil
		})
	}
	werr := g.Wait()
	if ctx.Err() != nil {
		a.logger.ErrorWith("analyzer", string(diag.CodeCancel), "section cancelled", timer.Since(), sid, "")
		return contract.SectionReport{}, fmt.Errorf("section %q: %w", sid, contract.ErrCancelled)
	}
	if werr != nil {
		code := diag.Classify(werr)
		a.logger.ErrorWith("analyzer", string(code), werr.Error(), timer.Since(), sid, "")
		diag.IncError("analyzer", string(code))
		return contract.SectionReport{}, fmt.Errorf("section %q: %w", sid, werr)
	}

	rep, evaluated := a.build(sec, blocks, slots)
	rep.Stats.Attempted = int(attempted.Load())
	a.checkDivergence(sec, evaluated)

	diag.SetSectionScore(sid, rep.Score)
	diag.IncOp("analyzer", "finish", "success")
	timer.Finish("section", int64(rep.Stats.Succeeded))
	term.SectionFinish(rep.Score, string(rep.Tier), failedTotal(rep.Stats), time.Since(*timer.Since()))
	return rep, nil
}

// build 汇总槽位为报告；代表性改写/释义取最低 Index 的成功评估。
func (a *Analyzer) build(sec contract.Section, blocks []contract.Block, slots []outcome) (contract.SectionReport, []contract.Evaluated) {
	rep := contract.SectionReport{
		SectionID:        sec.ID,
		Title:            sec.Title,
		Evidence:         []contract.RequirementEvidence{},
		Tier:             contract.NonCompliant,
		RequirementCount: len(sec.Requirements),
		Stats:            contract.Stats{Blocks: len(blocks)},
	}
	var evaluated []contract.Evaluated
	var selfSum float64
	for i, s := range slots {
		switch {
		case s.ok:
			evaluated = append(evaluated, contract.Evaluated{Block: blocks[i], Evaluation: s.ev})
			selfSum += s.ev.ComplianceScore
		case s.err != nil:
			if ee, ok := contract.AsEvaluatorError(s.err); ok {
				if rep.Stats.Failed == nil {
					rep.Stats.Failed = make(map[contract.ErrorKind]int)
				}
				rep.Stats.Failed[ee.Kind]++
			}
		}
	}
	rep.Stats.Succeeded = len(evaluated)
	if len(evaluated) == 0 {
		return rep, nil
	}
	rep.Stats.SelfReportedScore = score.Round2(selfSum / float64(len(evaluated)))

	first := evaluated[0].Evaluation
	rep.SuggestedRewrite = first.SuggestedRewrite
	rep.SimplifiedMeaning = first.SimplifiedMeaning
	rep.MatchLevel = first.MatchLevel

	rep.Evidence = evidence.Aggregate(sec, evaluated)
	// total>0 已在 resolve 中保证
	rep.Score, rep.Tier, _ = score.Score(rep.Evidence, len(sec.Requirements))
	return rep, evaluated
}

// checkDivergence 逐块比较评估器自报分数与按该块条目独立计算的分数。
func (a *Analyzer) checkDivergence(sec contract.Section, evaluated []contract.Evaluated) {
	var diverged int
	var worst contract.Evaluated
	var worstOwn, worstD float64
	for _, e := range evaluated {
		own, _, err := score.Score(evidence.Aggregate(sec, []contract.Evaluated{e}), len(sec.Requirements))
		if err != nil {
			return
		}
		d := math.Abs(e.Evaluation.ComplianceScore - own)
		if d <= a.set.DivergenceThreshold {
			continue
		}
		diverged++
		if d > worstD {
			worst, worstOwn, worstD = e, own, d
		}
	}
	if diverged == 0 {
		return
	}
	a.logger.Warn("analyzer", "self-reported score diverges from computed score", string(sec.ID), map[string]string{
		"blocks":        strconv.Itoa(diverged),
		"block_index":   strconv.Itoa(worst.Block.Index),
		"self_reported": strconv.FormatFloat(worst.Evaluation.ComplianceScore, 'f', 2, 64),
		"computed":      strconv.FormatFloat(worstOwn, 'f', 2, 64),
	})
	diag.GetTerminal().Warn(fmt.Sprintf("%s: %d block(s) self-report diverges; block %d self-reported %.2f vs computed %.2f",
		sec.ID, diverged, worst.Block.Index, worst.Evaluation.ComplianceScore, worstOwn))
}

func failedTotal(s contract.Stats) int {
	n := 0
	for _, v := range s.Failed {
		n += v
	}
	return n
}
