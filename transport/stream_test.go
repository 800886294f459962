package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/gateflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sseServer(t *testing.T, chunks []string, interval time.Duration) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(interval):
			}
			w.Write([]byte(c))
			flusher.Flush()
		}
	}))
}

func collectStream(t *testing.T, h *StreamHandle, timeout time.Duration) ([]byte, error) {
	t.Helper()
	var out []byte
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-h.Chunks:
			if !ok {
				return out, <-h.Done
			}
			out = append(out, chunk...)
		case <-deadline:
			t.Fatal("stream did not finish in time")
		}
	}
}

func TestStreamRelaysBytesInOrder(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {\"n\":1}\n\n",
		"data: {\"n\":2}\n\n",
		"data: [DONE]\n\n",
	}, 5*time.Millisecond)
	defer srv.Close()

	a := NewOpenAIAdapter(zap.NewNop())
	h, res := a.Stream(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[],"stream":true}`),
	})
	require.True(t, res.Success)
	require.NotNil(t, h)
	defer h.Cancel()

	out, err := collectStream(t, h, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: [DONE]\n\n", string(out))
}

func TestStreamPreHeaderFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(zap.NewNop())
	h, res := a.Stream(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	assert.Nil(t, h)
	require.False(t, res.Success)
	assert.Equal(t, 503, res.StatusCode)
	assert.True(t, res.Retryable)
}

// 取消后上游连接应在一个分片间隔内被关闭。
func TestStreamCancelClosesUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			select {
			case <-r.Context().Done():
				close(upstreamGone)
				return
			case <-time.After(20 * time.Millisecond):
			}
			w.Write([]byte("data: chunk\n\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(zap.NewNop())
	h, res := a.Stream(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	require.True(t, res.Success)

	<-h.Chunks
	h.Cancel()

	select {
	case <-upstreamGone:
	case <-time.After(time.Second):
		t.Fatal("upstream connection not closed after cancel")
	}
}

func TestStreamMidStreamDisconnect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write([]byte("data: first\n\n"))
		w.(http.Flusher).Flush()
		// 强行断开连接
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	a := NewOpenAIAdapter(zap.NewNop())
	h, res := a.Stream(context.Background(), srv.Client(), &Request{
		Endpoint: srv.URL, APIKey: "k", Model: "m",
		Payload: mustPayload(t, `{"model":"x","messages":[]}`),
	})
	require.True(t, res.Success)
	defer h.Cancel()

	_, err := collectStream(t, h, 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, types.ErrMidStreamDisconnect, types.GetErrorCode(err))
}

func TestHeartbeatInjectedOnSilence(t *testing.T) {
	in := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats := 0
	out := WithHeartbeat(ctx, in, 30*time.Millisecond, func() { beats++ })

	// 静默期注入心跳
	first := <-out
	assert.Equal(t, string(heartbeatFrame), string(first))

	// 有数据时原样转发
	in <- []byte("data: x\n\n")
	assert.Equal(t, "data: x\n\n", string(<-out))

	close(in)
	_, open := <-out
	assert.False(t, open)
	assert.GreaterOrEqual(t, beats, 1)
}

func TestHeartbeatNotInjectedWhenBusy(t *testing.T) {
	in := make(chan []byte)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := WithHeartbeat(ctx, in, 500*time.Millisecond, nil)

	go func() {
		for i := 0; i < 5; i++ {
			in <- []byte("c")
			time.Sleep(10 * time.Millisecond)
		}
		close(in)
	}()

	var got []byte
	for chunk := range out {
		got = append(got, chunk...)
	}
	assert.Equal(t, "ccccc", string(got))
}
