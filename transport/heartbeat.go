package transport

import (
	"context"
	"time"
)

// SSE 注释帧，客户端按规范忽略，只为保活中间设备。
var heartbeatFrame = []byte(": heartbeat\n\n")

// WithHeartbeat 在上游静默超过 interval 时向输出注入心跳帧。
// 上游字节原样转发，顺序不变；输入通道关闭或 ctx 取消时停止。
// onHeartbeat 可为 nil。
func WithHeartbeat(ctx context.Context, in <-chan []byte, interval time.Duration, onHeartbeat func()) <-chan []byte {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(interval)
			case <-timer.C:
				select {
				case out <- heartbeatFrame:
					if onHeartbeat != nil {
						onHeartbeat()
					}
				case <-ctx.Done():
					return
				}
				timer.Reset(interval)
			}
		}
	}()
	return out
}
