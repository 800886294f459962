package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/BaSui01/gateflow/api"
	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
)

// =============================================================================
// 📦 通用响应辅助
// =============================================================================

// 请求体大小上限，防御超大负载
const maxBodyBytes = 10 << 20

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError 把 *types.Error 映射为统一错误信封
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	ge, ok := err.(*types.Error)
	if !ok {
		ge = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}

	status := ge.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(ge.Code)
	}

	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(ge.Code)),
			zap.Int("status", status),
			zap.String("message", ge.Message),
			zap.Error(ge.Cause),
		)
	}

	WriteJSON(w, status, api.ErrorEnvelope{
		Error:   string(ge.Code),
		Message: ge.Message,
		Code:    status,
		Details: ge.Details,
	})
}

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden, types.ErrNoAuthorizedProvider:
		return http.StatusForbidden
	case types.ErrLogicalModelNotFound:
		return http.StatusNotFound
	case types.ErrModerationBlocked:
		return http.StatusBadRequest
	case types.ErrAccountUnusable:
		return http.StatusPaymentRequired
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrLogicalModelDisabled, types.ErrNoUpstreamAvailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamAllFailed, types.ErrMidStreamDisconnect:
		return http.StatusBadGateway
	case types.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ReadPayload 读取并解析请求体为透传负载
func ReadPayload(r *http.Request) (*types.Payload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "failed to read request body").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	}
	if len(body) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "request body is empty").
			WithHTTPStatus(http.StatusBadRequest)
	}
	p, err := types.ParsePayload(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err).WithHTTPStatus(http.StatusBadRequest)
	}
	return p, nil
}
