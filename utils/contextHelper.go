package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/shopsync/appctx"
)

type contextKey = appctx.ContextKey

var (
	ContextKeyDeviceId      = appctx.ContextKeyDeviceId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetDeviceIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyDeviceId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetDeviceIdInContext(ctx context.Context, deviceId string) context.Context {
	return appctx.Set(ctx, ContextKeyDeviceId, deviceId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
