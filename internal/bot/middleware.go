package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"polisbot/pkg/logx"
)

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Log.IsZero() {
						logger = req.Log
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
					if req != nil {
						_, _ = req.Adapter.SendText(ctx, req.Chat,
							"Something went wrong handling that command.", nil)
					}
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if req != nil && !req.Log.IsZero() {
				logger = req.Log
			}
			err := next(ctx, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			} else {
				logger.Info("request ok", fields...)
			}
			return err
		}
	}
}
