package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "remibot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type middleware func(next HandlerFunc) HandlerFunc

// chain wraps h so the first listed middleware is the outermost.
func chain(h HandlerFunc, mws ...middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// reqLogger prefers the per-request logger (it carries rid/chat/cmd fields)
// over the router-level fallback.
func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

func withTimeout(d time.Duration) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(tctx, req)
		}
	}
}

func withRecover(log logx.Logger) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				reqLogger(log, req).Error("handler panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("handler panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

// Successful requests below this duration log at DEBUG so INFO stays useful.
const slowRequest = 750 * time.Millisecond

func withRequestLog(log logx.Logger) middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			logger := reqLogger(log, req)
			switch {
			case err != nil:
				logger.Warn("request failed", logx.Duration("dur", took), logx.Err(err))
			case took >= slowRequest:
				logger.Info("request ok", logx.Duration("dur", took))
			default:
				logger.Debug("request ok", logx.Duration("dur", took))
			}
			return err
		}
	}
}
