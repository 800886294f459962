package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/gateflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamServer(t *testing.T, chunks int, interval time.Duration, gone chan<- struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		// 立即把响应头推出去，分片间的静默才发生在头之后
		flusher.Flush()
		for i := 0; i < chunks; i++ {
			select {
			case <-r.Context().Done():
				if gone != nil {
					close(gone)
				}
				return
			case <-time.After(interval):
			}
			w.Write([]byte("data: chunk\n\n"))
			flusher.Flush()
		}
	}))
}

func TestTryStreamSuccess(t *testing.T) {
	env := newExecEnv(t)
	srv := streamServer(t, 3, 5*time.Millisecond, nil)
	defer srv.Close()
	env.addProvider("p1", srv.URL)

	firstChunk := false
	completed := false
	out, err := env.exec.TryStream(context.Background(),
		[]types.CandidateScore{candidate("p1", "m1", 0.9)},
		mustPayload(t, `{"model":"gpt-x","messages":[],"stream":true}`),
		Options{LogicalModel: "gpt-x", APIStyle: types.StyleOpenAI},
		Callbacks{
			OnFirstChunk:     func(p, m string) { firstChunk = true },
			OnStreamComplete: func(p string) { completed = true },
		},
	)
	require.NoError(t, err)
	defer out.Cancel()
	assert.Equal(t, "p1", out.Provider)

	var got []byte
	for chunk := range out.Chunks {
		got = append(got, chunk...)
	}
	require.NoError(t, <-out.Done)
	assert.Equal(t, "data: chunk\n\ndata: chunk\n\ndata: chunk\n\n", string(got))
	assert.True(t, firstChunk)
	assert.True(t, completed)
}

// 响应头前失败换下一家，成功建立的流来自备选。
func TestTryStreamFallback(t *testing.T) {
	env := newExecEnv(t)
	bad := failServer(t, 502, nil)
	defer bad.Close()
	good := streamServer(t, 2, 5*time.Millisecond, nil)
	defer good.Close()
	env.addProvider("p1", bad.URL)
	env.addProvider("p2", good.URL)

	out, err := env.exec.TryStream(context.Background(),
		[]types.CandidateScore{candidate("p1", "m1", 0.9), candidate("p2", "m2", 0.6)},
		mustPayload(t, `{"model":"gpt-x","messages":[],"stream":true}`),
		Options{LogicalModel: "gpt-x", APIStyle: types.StyleOpenAI},
		Callbacks{},
	)
	require.NoError(t, err)
	defer out.Cancel()
	assert.Equal(t, "p2", out.Provider)
	assert.Equal(t, 2, out.Attempted)

	for range out.Chunks {
	}
	require.NoError(t, <-out.Done)
}

// 客户端取消：上游连接在一个分片间隔内关闭，停止产出。
func TestTryStreamClientCancelClosesUpstream(t *testing.T) {
	env := newExecEnv(t)
	gone := make(chan struct{})
	srv := streamServer(t, 50, 20*time.Millisecond, gone)
	defer srv.Close()
	env.addProvider("p1", srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := env.exec.TryStream(ctx,
		[]types.CandidateScore{candidate("p1", "m1", 0.9)},
		mustPayload(t, `{"model":"gpt-x","messages":[],"stream":true}`),
		Options{LogicalModel: "gpt-x", APIStyle: types.StyleOpenAI},
		Callbacks{},
	)
	require.NoError(t, err)

	// 收到两个分片后断开
	<-out.Chunks
	<-out.Chunks
	cancel()
	out.Cancel()

	select {
	case <-gone:
	case <-time.After(time.Second):
		t.Fatal("upstream not closed after client cancel")
	}
}

// 中途断流：终态经 Done 上报，不换下一家。
func TestTryStreamMidStreamDisconnectIsTerminal(t *testing.T) {
	env := newExecEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		hj := w.(http.Hijacker)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()
	fallback := streamServer(t, 1, time.Millisecond, nil)
	defer fallback.Close()
	env.addProvider("p1", srv.URL)
	env.addProvider("p2", fallback.URL)

	out, err := env.exec.TryStream(context.Background(),
		[]types.CandidateScore{candidate("p1", "m1", 0.9), candidate("p2", "m2", 0.6)},
		mustPayload(t, `{"model":"gpt-x","messages":[],"stream":true}`),
		Options{LogicalModel: "gpt-x", APIStyle: types.StyleOpenAI},
		Callbacks{},
	)
	require.NoError(t, err)
	defer out.Cancel()
	assert.Equal(t, "p1", out.Provider)

	for range out.Chunks {
	}
	streamErr := <-out.Done
	require.Error(t, streamErr)
	assert.Equal(t, types.ErrMidStreamDisconnect, types.GetErrorCode(streamErr))
}

// 静默上游触发心跳注入。
func TestTryStreamHeartbeat(t *testing.T) {
	env := newExecEnv(t)
	srv := streamServer(t, 1, 300*time.Millisecond, nil)
	defer srv.Close()
	env.addProvider("p1", srv.URL)

	env.exec.cfg.HeartbeatInterval = 50 * time.Millisecond

	out, err := env.exec.TryStream(context.Background(),
		[]types.CandidateScore{candidate("p1", "m1", 0.9)},
		mustPayload(t, `{"model":"gpt-x","messages":[],"stream":true}`),
		Options{LogicalModel: "gpt-x", APIStyle: types.StyleOpenAI},
		Callbacks{},
	)
	require.NoError(t, err)
	defer out.Cancel()

	sawHeartbeat := false
	sawData := false
	for chunk := range out.Chunks {
		if string(chunk) == ": heartbeat\n\n" {
			sawHeartbeat = true
		} else {
			sawData = true
		}
	}
	assert.True(t, sawHeartbeat, "expected heartbeat during upstream silence")
	assert.True(t, sawData)
}
