package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"policyeval/pkg/contract"
)

// BenchmarkWrite 测量报告写入：单产物串行覆盖，以及多产物并行（各自独立的锁）。
func BenchmarkWrite(b *testing.B) {
	sizes := map[string]int{"4KiB": 4 << 10, "1MiB": 1 << 20}
	for name, sz := range sizes {
		data := bytes.Repeat([]byte("|a|b|\n"), sz/6)
		b.Run("serial/"+name, func(b *testing.B) {
			w, err := New(&Options{OutputDir: b.TempDir()})
			if err != nil {
				b.Fatalf("创建 Writer 失败: %v", err)
			}
			b.SetBytes(int64(len(data)))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if err := w.Write(context.Background(), "policy.report.md", bytes.NewReader(data)); err != nil {
					b.Fatalf("写入失败: %v", err)
				}
			}
		})
		b.Run("parallel/"+name, func(b *testing.B) {
			w, err := New(&Options{OutputDir: b.TempDir()})
			if err != nil {
				b.Fatalf("创建 Writer 失败: %v", err)
			}
			var seq atomic.Int64
			b.SetBytes(int64(len(data)))
			b.RunParallel(func(pb *testing.PB) {
				id := contract.ArtifactID(fmt.Sprintf("doc-%d.report.md", seq.Add(1)))
				for pb.Next() {
					if err := w.Write(context.Background(), id, bytes.NewReader(data)); err != nil {
						b.Errorf("写入失败: %v", err)
						return
					}
				}
			})
		})
	}
}
