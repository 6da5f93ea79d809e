package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

func noTmp(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "临时文件未清理: %s", e.Name())
	}
}

// UT-WFS-01: 原子写入与替换已有文件
func TestWriteAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, w.Write(ctx, "policy.report.md", bytes.NewBufferString("v1")))
	require.NoError(t, w.Write(ctx, "policy.report.md", bytes.NewBufferString("v2")))
	b, err := os.ReadFile(filepath.Join(dir, "policy.report.md"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(b))
	noTmp(t, dir)
	_, err = os.Stat(filepath.Join(dir, ".locks", "policy.report.md.lock"))
	assert.NoError(t, err, "锁文件位于 .locks/")
}

// UT-WFS-02: 非原子覆盖写与非扁平路径
func TestWriteOverwriteNested(t *testing.T) {
	dir := t.TempDir()
	a, flat := false, false
	w, err := New(&Options{OutputDir: dir, Atomic: &a, Flat: &flat})
	require.NoError(t, err)
	require.NoError(t, w.Write(context.Background(), "reports/2026/a.csv", strings.NewReader("x,y\n")))
	b, err := os.ReadFile(filepath.Join(dir, "reports", "2026", "a.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x,y\n", string(b))
}

// UT-WFS-03: 路径校验
func TestMapPath(t *testing.T) {
	dir := t.TempDir()
	flat := false
	w, err := New(&Options{OutputDir: dir, Flat: &flat})
	require.NoError(t, err)
	abs := "/abs"
	if runtime.GOOS == "windows" {
		abs = `C:\abs`
	}
	for _, id := range []string{abs, "..", ".", "../escape.md"} {
		_, err := w.mapPath(contract.ArtifactID(id))
		assert.ErrorIs(t, err, contract.ErrPathInvalid, "id=%s", id)
	}

	fw, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	p, err := fw.mapPath("a/b/c.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "c.md"), p, "扁平化仅保留文件名")
	_, err = fw.mapPath("..")
	assert.ErrorIs(t, err, contract.ErrPathInvalid)

	_, err = New(&Options{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New(nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-WFS-04: ctx 取消与读错误不留临时文件
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestWriteCancelAndReadError(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Write(ctx, "a.md", strings.NewReader("x")), context.Canceled)

	assert.Error(t, w.Write(context.Background(), "a.md", errReader{}))
	noTmp(t, dir)
	_, err = os.Stat(filepath.Join(dir, "a.md"))
	assert.True(t, os.IsNotExist(err))
}

// UT-WFS-05: 锁被占用时等待超时
func TestWriteLockContention(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir, LockTimeoutMs: 50})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".locks"), 0o755))
	holder := flock.New(filepath.Join(dir, ".locks", "busy.md.lock"))
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	err = w.Write(context.Background(), "busy.md", strings.NewReader("x"))
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.NoError(t, holder.Unlock())
	assert.NoError(t, w.Write(context.Background(), "busy.md", strings.NewReader("x")))
}

// UT-WFS-06: 并发写同一工件串行化，结果为某一完整版本
func TestWriteConcurrentSameArtifact(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	require.NoError(t, err)
	var wg sync.WaitGroup
	payloads := []string{strings.Repeat("a", 4096), strings.Repeat("b", 4096), strings.Repeat("c", 4096)}
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			assert.NoError(t, w.Write(context.Background(), "same.md", strings.NewReader(p)))
		}(p)
	}
	wg.Wait()
	b, err := os.ReadFile(filepath.Join(dir, "same.md"))
	require.NoError(t, err)
	assert.Contains(t, payloads, string(b))
}
