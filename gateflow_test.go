package gateflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/gateflow/config"
)

// 端到端装配冒烟测试：miniredis + sqlite 文件库上拉起完整网关。
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "gateflow.db")
	cfg.Auth.APIKeys = []string{"sk-test"}
	cfg.Moderation.Enabled = false
	cfg.Billing.Enabled = false
	cfg.Audit.Enabled = false

	gw, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Close(ctx)
	})

	require.NoError(t, gw.Start(context.Background()))
	return gw
}

func TestGatewayAssembles(t *testing.T) {
	gw := newTestGateway(t)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	t.Run("healthz open without auth", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("chat requires auth", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("unknown model rejected", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions",
			strings.NewReader(`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer sk-test")
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
