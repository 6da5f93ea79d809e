package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"policyeval/internal/diag"
	"policyeval/internal/prompt"
	"policyeval/internal/rate"
	"policyeval/pkg/contract"
)

// Options: 评估适配器运行期设置。
type Options struct {
	// Timeout: 单次调用超时（含 LLM 与解码）；<=0 表示不设超时。
	Timeout time.Duration
	// Gate/GateKey: 可选限流闸门；在计时开始前等待放行。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// BytesPerToken: 请求 token 估算参数（<=0 为 4）。
	BytesPerToken int
}

// Evaluator 将 LLMClient 与 Decoder 组合为 contract.Evaluator。
// - 单次尝试，不重试；
// - 超时使用子 context，只影响当前 Block；
// - 父 context 取消时返回 ErrCancelled，而不是 EvaluatorError。
type Evaluator struct {
	llm    contract.LLMClient
	dec    contract.Decoder
	opt    Options
	est    contract.TokenEstimator
	logger *diag.Logger
}

func New(llm contract.LLMClient, dec contract.Decoder, opt Options, logger *diag.Logger) (*Evaluator, error) {
	if llm == nil || dec == nil {
		return nil, fmt.Errorf("%w: evaluator: missing llm client or decoder", contract.ErrInvalidInput)
	}
	if logger == nil {
		logger = diag.Discard()
	}
	return &Evaluator{llm: llm, dec: dec, opt: opt, est: prompt.MakeEstimator(opt.BytesPerToken), logger: logger}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, job contract.Job, p contract.Prompt) (contract.BlockEvaluation, error) {
	sid := string(job.Section.ID)
	bid := strconv.Itoa(job.Block.Index)
	ctx, span := diag.StartSpan(ctx, "Evaluate", "section_id", sid, "block_id", bid)
	ev, err := e.evaluate(ctx, job, p, sid, bid)
	diag.EndSpan(span, err)

	result := "ok"
	if ee, ok := contract.AsEvaluatorError(err); ok {
		result = string(ee.Kind)
	} else if err != nil {
		result = "cancelled"
	}
	diag.ObserveEvaluation(sid, result)
	return ev, err
}

func (e *Evaluator) evaluate(ctx context.Context, job contract.Job, p contract.Prompt, sid, bid string) (contract.BlockEvaluation, error) {
	if err := ctx.Err(); err != nil {
		return contract.BlockEvaluation{}, cancelled(err)
	}
	fail := func(kind contract.ErrorKind, err error) (contract.BlockEvaluation, error) {
		return contract.BlockEvaluation{}, &contract.EvaluatorError{Kind: kind, BlockIndex: job.Block.Index, Err: err}
	}

	tokens := prompt.EstimatePrompt(p, e.est)
	if e.opt.Gate != nil {
		e.logger.DebugStart("gate", "ask", sid, bid, map[string]string{"tokens": strconv.Itoa(tokens)})
		if err := e.opt.Gate.Wait(ctx, rate.Ask{Key: e.opt.GateKey, Requests: 1, Tokens: tokens}); err != nil {
			if ctx.Err() != nil {
				return contract.BlockEvaluation{}, cancelled(err)
			}
			e.logError("gate", err, "wait failed", sid, bid)
			if errors.Is(err, context.DeadlineExceeded) {
				return fail(contract.KindTimeout, err)
			}
			return fail(contract.KindTransportFailure, err)
		}
	}

	cctx := ctx
	if e.opt.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.opt.Timeout)
		defer cancel()
	}

	timer := e.logger.StartWithKV("llm_client", "invoke", sid, bid, map[string]string{"tokens": strconv.Itoa(tokens)})
	raw, err := e.llm.Invoke(cctx, job, p)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return contract.BlockEvaluation{}, cancelled(err)
		case cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
			e.logError("llm_client", err, "invoke timeout", sid, bid)
			return fail(contract.KindTimeout, err)
		case errors.Is(err, contract.ErrResponseInvalid):
			e.logError("llm_client", err, "invoke returned invalid response", sid, bid)
			return fail(contract.KindMalformedResponse, err)
		default:
			e.logError("llm_client", err, "invoke failed", sid, bid)
			return fail(contract.KindTransportFailure, err)
		}
	}
	timer.Finish("invoke", int64(tokens))
	diag.IncOp("llm_client", "finish", "success")

	ev, err := e.dec.Decode(cctx, job.Section, raw)
	if err != nil {
		if ctx.Err() != nil {
			return contract.BlockEvaluation{}, cancelled(err)
		}
		if cctx.Err() != nil {
			e.logError("decoder", err, "decode timeout", sid, bid)
			return fail(contract.KindTimeout, err)
		}
		e.logError("decoder", err, "decode failed", sid, bid)
		return fail(contract.KindMalformedResponse, err)
	}
	diag.IncOp("decoder", "finish", "success")
	return ev, nil
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", contract.ErrCancelled, cause)
}

// logError 附带上游 HTTP 状态码/消息片段（若有）。
func (e *Evaluator) logError(comp string, err error, msg, sid, bid string) {
	code := diag.Classify(err)
	var kv map[string]string
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv = map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	e.logger.ErrorWithKV(comp, string(code), msg, nil, sid, bid, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

var _ contract.Evaluator = (*Evaluator)(nil)
