package diag

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger 为结构化日志器：log/slog JSON 处理器，单行 JSON 写入轮转文件。
// 事件字段：level, ts, corr_id, comp, stage, code, dur_ms, count, section_id, block_id, msg, kv。
type Logger struct {
	corrID string
	sl     *slog.Logger
	sink   io.Closer
}

// NewCorrID 生成关联 ID。
func NewCorrID() string { return uuid.NewString() }

// NewLogger 通过配置的 level 初始化，并将日志写入 logs/ 目录，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(fallbackWriter{sink}, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 将日志写入任意 io.Writer（测试与服务模式使用）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	if corrID == "" {
		corrID = NewCorrID()
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: replaceAttr})
	return &Logger{corrID: corrID, sl: slog.New(h).With("corr_id", corrID)}
}

// Discard 返回不输出任何内容的 Logger。
func Discard() *Logger { return NewLoggerTo(io.Discard, "discard", "error") }

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string { return l.corrID }

// Close 释放文件句柄（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceAttr: time→ts（RFC3339 UTC）；level 小写。
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339))
	case slog.LevelKey:
		return slog.String("level", strings.ToLower(a.Value.String()))
	}
	return a
}

// fallbackWriter: 文件写失败时退回 stderr。
type fallbackWriter struct{ w io.Writer }

func (f fallbackWriter) Write(p []byte) (int, error) {
	if n, err := f.w.Write(p); err == nil {
		return n, nil
	}
	return os.Stderr.Write(p)
}

// Event 为标准事件结构。
type Event struct {
	Comp      string
	Stage     string // start|finish|error|warn
	Code      string
	DurMS     int64
	Count     int64
	SectionID string
	BlockID   string
	Msg       string
	KV        map[string]string
}

func (l *Logger) log(lv slog.Level, ev Event) {
	if l == nil || l.sl == nil {
		return
	}
	ctx := context.Background()
	if !l.sl.Enabled(ctx, lv) {
		return
	}
	attrs := make([]slog.Attr, 0, 9)
	attrs = append(attrs, slog.String("comp", ev.Comp), slog.String("stage", ev.Stage))
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.SectionID != "" {
		attrs = append(attrs, slog.String("section_id", ev.SectionID))
	}
	if ev.BlockID != "" {
		attrs = append(attrs, slog.String("block_id", ev.BlockID))
	}
	if len(ev.KV) > 0 {
		kv := make([]any, 0, len(ev.KV))
		for k, v := range ev.KV {
			kv = append(kv, slog.String(k, v))
		}
		attrs = append(attrs, slog.Group("kv", kv...))
	}
	l.sl.LogAttrs(ctx, lv, ev.Msg, attrs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 section_id/block_id 的 start。
func (l *Logger) StartWith(comp, msg, sectionID, blockID string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", SectionID: sectionID, BlockID: blockID, Msg: msg})
	return &Timer{l: l, comp: comp, sectionID: sectionID, blockID: blockID, t0: time.Now()}
}

// StartWithKV 记录带 section_id/block_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, sectionID, blockID string, kv map[string]string) *Timer {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "start", SectionID: sectionID, BlockID: blockID, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, sectionID: sectionID, blockID: blockID, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 section_id/block_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, sectionID, blockID string) {
	l.ErrorWithKV(comp, code, msg, durSince, sectionID, blockID, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, sectionID, blockID string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(slog.LevelError, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, SectionID: sectionID, BlockID: blockID, KV: kv})
}

// Warn 记录 warn 事件（例如自报分数与独立评分背离）。
func (l *Logger) Warn(comp, msg, sectionID string, kv map[string]string) {
	l.log(slog.LevelWarn, Event{Comp: comp, Stage: "warn", SectionID: sectionID, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(slog.LevelInfo, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, sectionID, blockID string, kv map[string]string) {
	l.log(slog.LevelDebug, Event{Comp: comp, Stage: "start", SectionID: sectionID, BlockID: blockID, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l         *Logger
	comp      string
	sectionID string
	blockID   string
	t0        time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	d := time.Since(t.t0)
	t.l.log(slog.LevelInfo, Event{Comp: t.comp, Stage: "finish", DurMS: d.Milliseconds(), Count: count, SectionID: t.sectionID, BlockID: t.blockID, Msg: msg})
	ObserveDuration(t.comp, "finish", d.Milliseconds())
}

// Since 返回起点时间（供 Error 计算耗时）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	t0 := t.t0
	return &t0
}
