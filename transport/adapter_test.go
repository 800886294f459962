package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/gateflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func mustPayload(t *testing.T, body string) *types.Payload {
	t.Helper()
	p, err := types.ParsePayload([]byte(body))
	require.NoError(t, err)
	return p
}

func TestRegistryCoversAllStyles(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	for _, style := range []types.APIStyle{
		types.StyleOpenAI, types.StyleClaude, types.StyleResponses,
		types.StyleGemini, types.StyleVertexSDK,
	} {
		a, ok := r.Lookup(style)
		require.True(t, ok, "missing adapter for %s", style)
		assert.Equal(t, style, a.Style())
	}
	_, ok := r.Lookup(types.APIStyle("nope"))
	assert.False(t, ok)
}

func TestOpenAIUnaryRewritesModelAndAuth(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(zap.NewNop())
	res := a.Unary(context.Background(), srv.Client(), &Request{
		Endpoint:  srv.URL,
		APIKey:    "sk-test",
		AuthStyle: types.AuthBearer,
		Model:     "gpt-4o-upstream",
		Payload:   mustPayload(t, `{"model":"gpt-x","messages":[{"role":"user","content":"hi"}],"temperature":0.7}`),
	})

	require.True(t, res.Success)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-4o-upstream", got["model"])
	assert.Equal(t, false, got["stream"])
	// 未识别字段原样透传
	assert.Equal(t, 0.7, got["temperature"])
}

func TestRetryabilityClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"500", 500, true},
		{"503", 503, true},
		{"429", 429, true},
		{"400", 400, false},
		{"401", 401, false},
		{"404", 404, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))
			defer srv.Close()

			a := NewOpenAIAdapter(zap.NewNop())
			res := a.Unary(context.Background(), srv.Client(), &Request{
				Endpoint: srv.URL, APIKey: "k", Model: "m",
				Payload: mustPayload(t, `{"model":"x","messages":[]}`),
			})
			require.False(t, res.Success)
			assert.Equal(t, tt.status, res.StatusCode)
			assert.Equal(t, tt.retryable, res.Retryable)
			assert.Contains(t, res.ErrorText, "upstream says no")
		})
	}
}

func TestConnectErrorIsRetryable(t *testing.T) {
	a := NewOpenAIAdapter(zap.NewNop())
	res := a.Unary(context.Background(), http.DefaultClient, &Request{
		Endpoint: "http://127.0.0.1:1", APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	require.False(t, res.Success)
	assert.True(t, res.Retryable)
}

func TestTimeoutBeforeHeadersIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	a := NewOpenAIAdapter(zap.NewNop())
	res := a.Unary(ctx, srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	require.False(t, res.Success)
	assert.True(t, res.Retryable)
}

func TestClientCancelIsNotRetryable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewOpenAIAdapter(zap.NewNop())
	res := a.Unary(ctx, http.DefaultClient, &Request{
		Endpoint: "http://127.0.0.1:1", APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	require.False(t, res.Success)
	assert.False(t, res.Retryable)
}

func TestClaudeBodyNormalization(t *testing.T) {
	var got map[string]json.RawMessage
	var version, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		version = r.Header.Get("anthropic-version")
		apiKey = r.Header.Get("x-api-key")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"content":[{"type":"text","text":"ok"}]}`))
	}))
	defer srv.Close()

	a := NewClaudeAdapter(zap.NewNop())
	res := a.Unary(context.Background(), srv.Client(), &Request{
		Endpoint:  srv.URL,
		APIKey:    "sk-ant",
		AuthStyle: types.AuthXAPIKey,
		Model:     "claude-sonnet-4",
		Payload: mustPayload(t, `{"model":"smart-chat","messages":[`+
			`{"role":"system","content":"be nice"},`+
			`{"role":"user","content":"hello"}]}`),
	})
	require.True(t, res.Success)
	assert.Equal(t, "2023-06-01", version)
	assert.Equal(t, "sk-ant", apiKey)

	// content 收敛为分段数组
	var msgs []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(got["messages"], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	require.Len(t, msgs[0].Content, 1)
	assert.Equal(t, "text", msgs[0].Content[0].Type)
	assert.Equal(t, "hello", msgs[0].Content[0].Text)

	// system 提升为顶层数组
	var system []struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(got["system"], &system))
	require.Len(t, system, 1)
	assert.Equal(t, "be nice", system[0].Text)

	// max_tokens 默认补齐
	assert.Equal(t, "4096", string(got["max_tokens"]))
}

func TestClaudeCLIMasquerade(t *testing.T) {
	var got map[string]json.RawMessage
	var userAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent = r.Header.Get("User-Agent")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cli := NewClaudeCLIAdapter(NewClaudeAdapter(zap.NewNop()), zap.NewNop())
	res := cli.Unary(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "sk-ant-key", AuthStyle: types.AuthXAPIKey,
		Model:   "claude-sonnet-4",
		Payload: mustPayload(t, `{"model":"x","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.True(t, res.Success)
	assert.Equal(t, claudeCLIUserAgent, userAgent)

	var meta struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, json.Unmarshal(got["metadata"], &meta))
	assert.Regexp(t, `^user_[0-9a-f]{64}_account__session_[0-9a-f-]{36}$`, meta.UserID)
}

func TestClaudeCLIShaCacheStableAndBounded(t *testing.T) {
	cli := NewClaudeCLIAdapter(NewClaudeAdapter(zap.NewNop()), zap.NewNop())

	id1 := cli.buildUserID("sk-key")
	id2 := cli.buildUserID("sk-key")
	// 哈希段一致，session 段不同
	assert.Equal(t, id1[:70], id2[:70])
	assert.NotEqual(t, id1, id2)

	for i := 0; i < shaCacheMaxEntries+10; i++ {
		cli.buildUserID(fmt.Sprintf("key-%d", i))
	}
	cli.mu.RLock()
	defer cli.mu.RUnlock()
	assert.LessOrEqual(t, len(cli.shaCache), shaCacheMaxEntries)
}

func TestGeminiBodyShape(t *testing.T) {
	var got map[string]json.RawMessage
	var goog string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-pro:generateContent", r.URL.Path)
		goog = r.Header.Get("x-goog-api-key")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	a := NewGeminiAdapter(types.StyleGemini, zap.NewNop())
	res := a.Unary(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "g-key", Model: "gemini-pro",
		Payload: mustPayload(t, `{"model":"x","messages":[`+
			`{"role":"user","content":"hi"},`+
			`{"role":"assistant","content":"hello"}],"max_tokens":128}`),
	})
	require.True(t, res.Success)
	assert.Equal(t, "g-key", goog)

	var contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}
	require.NoError(t, json.Unmarshal(got["contents"], &contents))
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "hello", contents[1].Parts[0].Text)

	var gen struct {
		MaxOutputTokens int `json:"maxOutputTokens"`
	}
	require.NoError(t, json.Unmarshal(got["generationConfig"], &gen))
	assert.Equal(t, 128, gen.MaxOutputTokens)
}

func TestResponsesBodyConversion(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/responses", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"output":[]}`))
	}))
	defer srv.Close()

	a := NewResponsesAdapter(zap.NewNop())
	res := a.Unary(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "gpt-4o",
		Payload: mustPayload(t, `{"model":"x","messages":[{"role":"user","content":"hi"}],"max_tokens":64}`),
	})
	require.True(t, res.Success)

	_, hasMessages := got["messages"]
	assert.False(t, hasMessages)
	var input []struct {
		Role string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(got["input"], &input))
	require.Len(t, input, 1)
	assert.Equal(t, "64", string(got["max_output_tokens"]))
}
