package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policyeval/pkg/contract"
)

func newTestClient(t *testing.T, h http.HandlerFunc) contract.LLMClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts, _ := json.Marshal(Options{BaseURL: srv.URL + "/v1", APIKey: "k", ExtraHeaders: map[string]string{"X-Test": "1"}})
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

var prompt = contract.ChatPrompt{
	{Role: "system", Content: "sys"},
	{Role: "user", Content: "usr"},
	{Role: "json_schema", Content: `{"type":"object"}`},
}

// UT-OAI-01: 请求体携带 system/user 与 json_schema 响应格式；schema 伪消息不下发。
func TestInvokeEncodesSchema(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Test"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &got))
		_, _ = io.WriteString(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"}}]}`)
	})
	raw, err := c.Invoke(context.Background(), contract.Job{}, prompt)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, raw.Text)

	msgs := got["messages"].([]any)
	assert.Len(t, msgs, 2)
	rf := got["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
}

// UT-OAI-02: 上游状态码映射。
func TestInvokeErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusTooManyRequests, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrRateLimited) }},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			var ue contract.UpstreamError
			require.True(t, errors.As(err, &ue))
			assert.Equal(t, http.StatusBadGateway, ue.UpstreamStatus())
		}},
		{http.StatusUnauthorized, func(t *testing.T, err error) { assert.ErrorIs(t, err, contract.ErrInvalidInput) }},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"message":"boom","type":"server_error"}}`)
		})
		_, err := c.Invoke(context.Background(), contract.Job{}, prompt)
		require.Error(t, err)
		tc.check(t, err)
	}
}

// UT-OAI-03: 空 choices 视为响应无效；缺 key 拒绝构造。
func TestInvokeEmptyAndMissingKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	})
	_, err := c.Invoke(context.Background(), contract.Job{}, prompt)
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)

	t.Setenv("POLICYEVAL_TEST_NO_KEY", "")
	_, err = New(json.RawMessage(`{"api_key_env":"POLICYEVAL_TEST_NO_KEY"}`))
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

// UT-OAI-04: 未配置 timeout_seconds 时不设 client 级超时，调用只受上下文约束。
func TestNoImplicitClientTimeout(t *testing.T) {
	c, err := New(json.RawMessage(`{"api_key":"k"}`))
	require.NoError(t, err)
	assert.Zero(t, c.(*Client).hc.Timeout)

	c, err = New(json.RawMessage(`{"api_key":"k","timeout_seconds":5}`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.(*Client).hc.Timeout)

	slow := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = slow.Invoke(ctx, contract.Job{}, prompt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
