package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/stocktake_backend/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyStoreId       = appctx.ContextKeyStoreId
	ContextKeyDeviceId      = appctx.ContextKeyDeviceId
	ContextKeyDeviceName    = appctx.ContextKeyDeviceName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId

	ContextKeySkipStoreScope = appctx.ContextKeySkipStoreScope
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetStoreIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyStoreId)
}

func GetDeviceIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyDeviceId)
}

func GetDeviceNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyDeviceName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetStoreIdInContext(ctx context.Context, storeId string) context.Context {
	return appctx.Set(ctx, ContextKeyStoreId, storeId)
}

func SetDeviceIdInContext(ctx context.Context, deviceId string) context.Context {
	return appctx.Set(ctx, ContextKeyDeviceId, deviceId)
}

func SetDeviceNameInContext(ctx context.Context, deviceName string) context.Context {
	return appctx.Set(ctx, ContextKeyDeviceName, deviceName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipStoreScopeInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipStoreScope, skip)
}
