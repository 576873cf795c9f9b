package middleware

import (
	"context"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	deviceKey      contextKey = "device"
	requestInfoKey contextKey = "request_info"
)

// requestInfo is shared between the outer logging middleware and the inner
// signature gate, which runs on a derived request.
type requestInfo struct {
	keyID string
}

func withRequestInfo(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestInfoKey, &requestInfo{})
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

// WithDevice stores the verified device in ctx.
func WithDevice(ctx context.Context, dev *models.Device) context.Context {
	if info := requestInfoFrom(ctx); info != nil {
		info.keyID = dev.KeyID
	}
	return context.WithValue(ctx, deviceKey, dev)
}

// DeviceFrom returns the verified device, or nil outside the signature gate.
func DeviceFrom(ctx context.Context) *models.Device {
	dev, _ := ctx.Value(deviceKey).(*models.Device)
	return dev
}
