package rate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

// UT-RTE-01: 超过 RPM/TPM
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1, TPM: 10, MaxTokensPerReq: 5}}, clk)
	assert.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}), "首次应通过")
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}), "应因 RPM 拒绝")
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 6}), "超过单请求上限")

	// 一分钟后 RPM 恢复
	now = now.Add(time.Minute)
	assert.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 3}))

	// 未配置的 key 不限额
	for i := 0; i < 100; i++ {
		require.True(t, g.Try(Ask{Key: "other", Requests: 1, Tokens: 1000}))
	}
}

// UT-RTE-02: Try 失败不消耗另一维度额度
func TestGateTryNoPartialConsume(t *testing.T) {
	now := time.Unix(0, 0)
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 10, TPM: 10}}, func() time.Time { return now })
	require.True(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 8}))
	assert.False(t, g.Try(Ask{Key: "k", Requests: 1, Tokens: 5}), "TPM 不足")
	rpm, tpm := g.(Snapshoter).Snapshot("k")
	assert.Equal(t, 9, rpm, "被拒绝的请求应归还 RPM")
	assert.Equal(t, 2, tpm)
}

// UT-RTE-03: 取消上下文与参数校验
func TestGateWaitCancel(t *testing.T) {
	g := NewGate(map[LimitKey]Limits{"k": {RPM: 1}}, nil)
	require.NoError(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := g.Wait(ctx, Ask{Key: "k", Requests: 1})
	assert.ErrorIs(t, err, context.Canceled)

	dctx, dcancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer dcancel()
	assert.ErrorIs(t, g.Wait(dctx, Ask{Key: "k", Requests: 1}), context.DeadlineExceeded)

	assert.ErrorIs(t, g.Wait(context.Background(), Ask{Key: "k"}), contract.ErrInvalidInput)
	assert.ErrorIs(t, g.Wait(context.Background(), Ask{Key: "k", Requests: 2}), contract.ErrBudgetExceeded, "超过桶容量永远无法满足")
}

// UT-RTE-04: DeriveKeyFromProviderOptions
func TestDeriveKeyFromProviderOptions(t *testing.T) {
	t.Setenv("TEST_KEY", "abc")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k1, err := DeriveKeyFromProviderOptions("openai", raw)
	require.NoError(t, err)
	assert.Contains(t, string(k1), "openai:")

	k2, err := DeriveKeyFromProviderOptions("openai", json.RawMessage(`{"api_key":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "同一密钥归入同一分组")

	t.Setenv("OPENAI_API_KEY", "")
	_, err = DeriveKeyFromProviderOptions("openai", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	t.Setenv("GOOGLE_API_KEY", "g")
	_, err = DeriveKeyFromProviderOptions("gemini", nil)
	assert.NoError(t, err, "默认环境变量")

	m, err := DeriveKeyFromProviderOptions("mock", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, m)
}
