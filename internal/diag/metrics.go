package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标名：
// - policyeval_op_total{comp,stage,result}
// - policyeval_error_total{comp,code}
// - policyeval_op_duration_ms{comp,stage}
// - policyeval_block_evaluations_total{section,result}
// - policyeval_section_score{section}
var (
	opTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyeval_op_total",
		Help: "Operations by component, stage and result",
	}, []string{"comp", "stage", "result"})

	errorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyeval_error_total",
		Help: "Errors by component and classification code",
	}, []string{"comp", "code"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "policyeval_op_duration_ms",
		Help:    "Stage duration in milliseconds",
		Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
	}, []string{"comp", "stage"})

	blockEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "policyeval_block_evaluations_total",
		Help: "Block evaluations by section and result (ok or an evaluator error kind)",
	}, []string{"section", "result"})

	sectionScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "policyeval_section_score",
		Help: "Most recent compliance score per section",
	}, []string{"section"})
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { opTotal.WithLabelValues(comp, stage, result).Inc() }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { errorTotal.WithLabelValues(comp, code).Inc() }

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// ObserveEvaluation 记录单个 Block 的评估结果。
func ObserveEvaluation(section, result string) {
	blockEvaluations.WithLabelValues(section, result).Inc()
}

// SetSectionScore 记录最近一次 Section 评分。
func SetSectionScore(section string, score float64) {
	sectionScore.WithLabelValues(section).Set(score)
}

// MetricsHandler 返回 Prometheus 抓取端点。
func MetricsHandler() http.Handler { return promhttp.Handler() }
