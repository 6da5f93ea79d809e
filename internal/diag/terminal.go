package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖，标签着色；非 TTY: 关键节点分行打印，无颜色。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency  int
	llm          string
	document     string
	sectionsDone int
	runStart     time.Time

	// 当前 Section
	curSection  string
	blocksTotal int
	blocksDone  int
	errCount    int

	lastLen   int
	lastFlush time.Time

	okTag    *color.Color
	failTag  *color.Color
	warnTag  *color.Color
	labelTag *color.Color

	mu sync.Mutex
}

// 进程级终端（可选，全局设置后供 analyzer 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	t.okTag = color.New(color.FgGreen, color.Bold)
	t.failTag = color.New(color.FgRed, color.Bold)
	t.warnTag = color.New(color.FgYellow)
	t.labelTag = color.New(color.FgCyan)
	for _, c := range []*color.Color{t.okTag, t.failTag, t.warnTag, t.labelTag} {
		if t.isTTY {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return t
}

// RunStart: 记录运行上下文（文档、并发、LLM）。
func (t *Terminal) RunStart(document string, concurrency int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.document = shortenBase(document, 48)
	t.concurrency = concurrency
	t.llm = llm
	t.sectionsDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s %s | 并发=%d | llm=%s", t.labelTag.Sprint("[run]"), safe(t.document), concurrency, safe(llm)))
}

// SectionStart: 标记当前 Section 与计划 Block 数。
func (t *Terminal) SectionStart(sectionID string, blocksTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curSection = safe(sectionID)
	t.blocksTotal = blocksTotal
	t.blocksDone = 0
	t.errCount = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[section] %s | 计划 Block=%d", t.curSection, blocksTotal))
	}
}

// SectionProgress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) SectionProgress(done, total, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.blocksDone = done
	t.blocksTotal = total
	t.errCount = errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("%s %s | 进度 %d/%d | 失败 %d | 并发 %d | 用时 %s",
		t.labelTag.Sprint("[section]"), t.curSection, t.blocksDone, t.blocksTotal, t.errCount, t.concurrency, formatSince(t.runStart))
	t.printInline(line)
}

// SectionFinish: 完成当前 Section（立即刷新并换行）。
func (t *Terminal) SectionFinish(score float64, tier string, failed int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.sectionsDone++
	tag := t.okTag.Sprint("[done]")
	if failed > 0 {
		tag = t.warnTag.Sprint("[done]")
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("%s %s | 得分 %.2f | %s | 失败 %d | 用时 %s",
		tag, t.curSection, score, tier, failed, formatDur(dur)))
}

// Warn: 单行告警（例如自报分数背离）。
func (t *Terminal) Warn(msg string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(t.warnTag.Sprint("[warn]") + " " + safe(msg))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, overall float64, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := t.okTag.Sprint("[ok]")
	if !ok {
		tag = t.failTag.Sprint("[fail]")
	}
	t.println(fmt.Sprintf("%s 全部完成 | Section %d | 总体 %.2f%% | 总用时 %s", tag, t.sectionsDone, overall, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if base == "" || base == "." {
		return ""
	}
	rs := []rune(base)
	if len(rs) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "\r", " ")
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
