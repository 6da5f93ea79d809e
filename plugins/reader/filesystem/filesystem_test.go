package filesystem

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

type doc struct {
	id   contract.DocumentID
	text string
}

func collect(t *testing.T, r *FileSystem, roots ...string) ([]doc, error) {
	t.Helper()
	var out []doc
	err := r.Iterate(context.Background(), roots, func(id contract.DocumentID, rc io.ReadCloser) error {
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return err
		}
		out = append(out, doc{id: id, text: string(b)})
		return nil
	})
	return out, err
}

func write(t *testing.T, p, s string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
}

const documentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Privacy Notice</w:t></w:r></w:p>
<w:p><w:r><w:t xml:space="preserve">We collect </w:t></w:r><w:r><w:t>personal data.</w:t></w:r></w:p>
<w:p></w:p>
<w:p><w:r><w:t>Name</w:t><w:tab/><w:t>Grievance Officer</w:t></w:r></w:p>
</w:body>
</w:document>`

func writeDocx(t *testing.T, p string, files map[string]string) {
	t.Helper()
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// UT-RDR-01: 单个纯文本文件，去除 BOM
func TestIterateSingleFile(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.txt")
	write(t, fp, "\xEF\xBB\xBFhello")
	docs, err := collect(t, New(nil), fp)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, contract.NormalizeDocumentID(fp), docs[0].id)
	assert.Equal(t, "hello", docs[0].text)
}

// UT-RDR-02: docx 段落抽取
func TestIterateDocx(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "policy.docx")
	writeDocx(t, fp, map[string]string{"word/document.xml": documentXML, "[Content_Types].xml": "<Types/>"})
	docs, err := collect(t, New(nil), fp)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Privacy Notice\nWe collect personal data.\nName\tGrievance Officer", docs[0].text)

	// 缺少 document.xml / 非 zip
	bad := filepath.Join(t.TempDir(), "bad.docx")
	writeDocx(t, bad, map[string]string{"other.xml": "<x/>"})
	_, err = collect(t, New(nil), bad)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	notZip := filepath.Join(t.TempDir(), "plain.docx")
	write(t, notZip, "not a zip")
	_, err = collect(t, New(nil), notZip)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	// 超过上限
	_, err = collect(t, New(&Options{MaxDocxBytes: 10}), fp)
	assert.ErrorIs(t, err, contract.ErrBudgetExceeded)
}

// UT-RDR-03: 目录扫描：扩展名过滤、排除目录、稳定顺序
func TestIterateDirectory(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b.md"), "b")
	write(t, filepath.Join(dir, "a.txt"), "a")
	write(t, filepath.Join(dir, "image.png"), "x")
	write(t, filepath.Join(dir, "~$draft.docx"), "lock")
	write(t, filepath.Join(dir, "sub", "c.TXT"), "c")
	write(t, filepath.Join(dir, "skip", "d.txt"), "d")

	docs, err := collect(t, New(&Options{ExcludeDirNames: []string{"SKIP"}}), dir)
	require.NoError(t, err)
	var names []string
	for _, d := range docs {
		names = append(names, filepath.Base(string(d.id)))
	}
	assert.Equal(t, []string{"c.TXT", "a.txt", "b.md"}, names)
}

// UT-RDR-04: 单文件不受支持、'-' 混用、取消
func TestIterateErrors(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "x.pdf")
	write(t, fp, "%PDF")
	_, err := collect(t, New(nil), fp)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = collect(t, New(nil), "-", fp)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	_, err = collect(t, New(nil), filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = New(nil).Iterate(ctx, []string{fp}, func(contract.DocumentID, io.ReadCloser) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// UT-RDR-05: yield 错误上抛
func TestIterateYieldError(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.txt")
	write(t, fp, "x")
	boom := errors.New("boom")
	err := New(&Options{AllowExts: []string{"txt"}}).Iterate(context.Background(), []string{fp}, func(contract.DocumentID, io.ReadCloser) error { return boom })
	assert.ErrorIs(t, err, boom)
}
