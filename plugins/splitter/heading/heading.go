package heading

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"policyeval/pkg/contract"
)

// Options 为标题启发式分段器的可选配置（最小必要）。
type Options struct {
	// HeadingPatterns: 覆盖默认的标题候选正则（按行匹配，行已去首尾空白）。
	// 为空时采用默认两条：纯字母/空格且首字母大写；"数字." 开头的条款编号。
	HeadingPatterns []string `json:"heading_patterns"`
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z][A-Za-z ]*$`),
	regexp.MustCompile(`^\d+\.\s`),
}

// Segmenter 实现基于标题候选行的结构化分段。
type Segmenter struct {
	patterns []*regexp.Regexp
}

// New 创建分段器；自定义正则非法时返回错误。
func New(opts *Options) (*Segmenter, error) {
	if opts == nil || len(opts.HeadingPatterns) == 0 {
		return &Segmenter{patterns: defaultPatterns}, nil
	}
	ps := make([]*regexp.Regexp, 0, len(opts.HeadingPatterns))
	for _, p := range opts.HeadingPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("heading pattern %q: %w", p, err)
		}
		ps = append(ps, re)
	}
	return &Segmenter{patterns: ps}, nil
}

// Segment 使用默认规则切分纯文本；对任意输入都终止。
func Segment(text string) []contract.Block {
	s := &Segmenter{patterns: defaultPatterns}
	blocks, _ := s.Split(context.Background(), strings.NewReader(text))
	return blocks
}

// Split 逐行扫描：空行丢弃；标题候选行关闭当前块并开启新块；其余行追加到当前块。
func (s *Segmenter) Split(ctx context.Context, r io.Reader) ([]contract.Block, error) {
	br := bufio.NewReader(r)
	var (
		blocks []contract.Block
		open   []string
	)
	flush := func() {
		if len(open) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(open, " "))
		open = open[:0]
		if text == "" {
			return
		}
		blocks = append(blocks, contract.Block{Index: len(blocks), Text: text})
	}
	for {
		if err := ctxErr(ctx); err != nil {
			return nil, err
		}
		line, eof, err := readLine(br)
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line != "" {
			if s.isHeading(line) {
				flush()
			}
			open = append(open, line)
		}
		if eof {
			break
		}
	}
	flush()
	return blocks, nil
}

func (s *Segmenter) isHeading(line string) bool {
	for _, re := range s.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// readLine 读取一行并去除结尾换行（\n 或 \r\n）；eof 表示已到输入末尾。
func readLine(br *bufio.Reader) (line string, eof bool, err error) {
	s, err := br.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", false, err
		}
		eof = true
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s, eof, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
