package httpapi

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func (s server) logger(ctx context.Context) *zap.Logger {
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		return s.log.With(zap.String("req_id", reqID))
	}
	return s.log
}

func (s server) logError(ctx context.Context, msg string, err error) {
	if err == nil {
		return
	}
	s.logger(ctx).Error(msg, zap.Error(err))
}

func (s server) logMsg(ctx context.Context, msg string, fields ...zap.Field) {
	s.logger(ctx).Info(msg, fields...)
}
