package filesystem

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"policyeval/pkg/contract"
)

const wordNS = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// extractDocx 读取 word/document.xml，按文档顺序输出段落文本（段落间 \n）。
// 规则：w:t 为文本；w:tab 为 \t；w:br/w:cr 为段内换行；空段落丢弃。
func extractDocx(path string, limit int64) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("%w: not a docx archive: %v", contract.ErrInvalidInput, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		if int64(f.UncompressedSize64) > limit {
			return "", fmt.Errorf("%w: document.xml %d bytes exceeds %d", contract.ErrBudgetExceeded, f.UncompressedSize64, limit)
		}
		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()
		return paragraphs(io.LimitReader(rc, limit))
	}
	return "", fmt.Errorf("%w: word/document.xml missing", contract.ErrInvalidInput)
}

func paragraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		out    []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: document.xml: %v", contract.ErrInvalidInput, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br", "cr":
				cur.WriteByte('\n')
			}
		case xml.EndElement:
			if t.Name.Space != wordNS {
				continue
			}
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return strings.Join(out, "\n"), nil
}
